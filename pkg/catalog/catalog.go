package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/afero"

	"virtualfit/pkg/job"
)

// Product is one garment offered for try-on.
type Product struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	ImageURL    string `json:"image_url"`
	Description string `json:"description"`
	Model       string `json:"model"`
	Color       string `json:"color"`
}

// ErrProductNotFound is returned by Find for an unknown product id
var ErrProductNotFound = errors.New("product not found")

// Find returns the product with the given id
func Find(products []Product, id int) (Product, error) {
	for _, p := range products {
		if p.ID == id {
			return p, nil
		}
	}
	return Product{}, fmt.Errorf("%w: %d", ErrProductNotFound, id)
}

// FileSource serves the catalog from a JSON file. The file is read on every
// call so edits show up without a restart.
type FileSource struct {
	fs   afero.Fs
	path string
}

func NewFileSource(fs afero.Fs, path string) *FileSource {
	return &FileSource{fs: fs, path: path}
}

// FetchProducts parses the catalog file
func (s *FileSource) FetchProducts(ctx context.Context) ([]Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", s.path, err)
	}
	var products []Product
	if err := json.Unmarshal(data, &products); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", s.path, err)
	}
	return products, nil
}

// Client reads the catalog from the API server and downloads product images.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a catalog client; httpClient may be nil.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// FetchProducts lists the catalog via GET /products/
func (c *Client) FetchProducts(ctx context.Context) ([]Product, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/products/", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch products: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch products: unexpected status %d", resp.StatusCode)
	}

	var products []Product
	if err := json.NewDecoder(resp.Body).Decode(&products); err != nil {
		return nil, fmt.Errorf("decode products: %w", err)
	}
	return products, nil
}

// FetchImage downloads a product image. The extension comes from the URL path.
func (c *Client) FetchImage(ctx context.Context, imageURL string) (job.Image, error) {
	u, err := url.Parse(imageURL)
	if err != nil {
		return job.Image{}, fmt.Errorf("invalid image url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return job.Image{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return job.Image{}, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return job.Image{}, fmt.Errorf("fetch image: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return job.Image{}, fmt.Errorf("read image: %w", err)
	}
	return job.Image{Data: data, Ext: job.ExtFromPath(u.Path)}, nil
}
