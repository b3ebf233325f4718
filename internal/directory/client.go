package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultBaseURL   = "https://world.openfoodfacts.org"
	placeholderImage = "https://placehold.co/600x400.png"
	userAgent        = "TruthByte/1.0 (+https://github.com/adhamqabban37/TruthByte)"
)

// Product is a directory record for a packaged food product
type Product struct {
	Barcode     string `json:"barcode"`
	Name        string `json:"name"`
	Brand       string `json:"brand"`
	ImageURL    string `json:"image_url"`
	Ingredients string `json:"ingredients,omitempty"`
	NutriScore  string `json:"nutriscore,omitempty"`
}

// Lookup is the product directory contract. A nil product with a nil error
// means the product is not in the directory.
type Lookup interface {
	LookupByBarcode(ctx context.Context, code string) (*Product, error)
	SearchByText(ctx context.Context, query string) (*Product, error)
}

// Client talks to the Open Food Facts API
type Client struct {
	baseURL string
	client  *http.Client
	group   singleflight.Group
}

// NewClient creates a new Client with a default HTTP client
func NewClient(baseURL string) *Client {
	return NewClientWithHTTP(baseURL, &http.Client{Timeout: 15 * time.Second})
}

// NewClientWithHTTP creates a new Client with a custom HTTP client for testing
func NewClientWithHTTP(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpClient,
	}
}

// offProduct is the subset of an Open Food Facts product record we read
type offProduct struct {
	Code           string `json:"code"`
	ProductName    string `json:"product_name"`
	Brands         string `json:"brands"`
	ImageFrontURL  string `json:"image_front_url"`
	IngredientText string `json:"ingredients_text"`
	NutriScore     string `json:"nutriscore_grade"`
}

type offProductResponse struct {
	Status  int         `json:"status"`
	Product *offProduct `json:"product"`
}

type offSearchResponse struct {
	Count    int          `json:"count"`
	Products []offProduct `json:"products"`
}

// LookupByBarcode fetches a product by its barcode
func (c *Client) LookupByBarcode(ctx context.Context, code string) (*Product, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, nil
	}

	// Decoders fire the same symbol many times a second; share one request
	v, err, _ := c.group.Do("barcode:"+code, func() (any, error) {
		var resp offProductResponse
		endpoint := fmt.Sprintf("%s/api/v2/product/%s", c.baseURL, url.PathEscape(code))
		found, err := c.getJSON(ctx, endpoint, &resp)
		if err != nil {
			return nil, err
		}
		if !found || resp.Status == 0 || resp.Product == nil {
			slog.Info("Product not found in directory", "barcode", code)
			return (*Product)(nil), nil
		}
		return toProduct(code, resp.Product), nil
	})
	if err != nil {
		return nil, fmt.Errorf("looking up barcode %s: %w", code, err)
	}
	return v.(*Product), nil
}

// SearchByText returns the best directory match for a free-text query
func (c *Client) SearchByText(ctx context.Context, query string) (*Product, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	params := url.Values{}
	params.Set("search_terms", query)
	params.Set("search_simple", "1")
	params.Set("action", "process")
	params.Set("json", "1")
	params.Set("page_size", "1")

	var resp offSearchResponse
	found, err := c.getJSON(ctx, c.baseURL+"/cgi/search.pl?"+params.Encode(), &resp)
	if err != nil {
		return nil, fmt.Errorf("searching directory for %q: %w", query, err)
	}
	if !found || len(resp.Products) == 0 {
		return nil, nil
	}
	first := resp.Products[0]
	return toProduct(first.Code, &first), nil
}

// getJSON decodes a GET response into out. A 404 reports found=false.
func (c *Client) getJSON(ctx context.Context, endpoint string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("calling directory API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return false, fmt.Errorf("directory API error (status %d): %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decoding response: %w", err)
	}
	return true, nil
}

func toProduct(code string, p *offProduct) *Product {
	name := strings.TrimSpace(p.ProductName)
	if name == "" {
		name = "Unknown Product"
	}
	brand := strings.TrimSpace(p.Brands)
	if brand == "" {
		brand = "Unknown Brand"
	}
	image := p.ImageFrontURL
	if image == "" {
		image = placeholderImage
	}
	if code == "" {
		code = p.Code
	}
	return &Product{
		Barcode:     code,
		Name:        name,
		Brand:       brand,
		ImageURL:    image,
		Ingredients: strings.TrimSpace(p.IngredientText),
		NutriScore:  strings.ToLower(strings.TrimSpace(p.NutriScore)),
	}
}
