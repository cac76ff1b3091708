package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
)

// Page selects a slice of a listing. Zero values leave the server defaults.
type Page struct {
	Page   int
	Limit  int
	Search string
}

func (p Page) values() url.Values {
	v := url.Values{}
	if p.Page > 0 {
		v.Set("page", strconv.Itoa(p.Page))
	}
	if p.Limit > 0 {
		v.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Search != "" {
		v.Set("search", p.Search)
	}
	return v
}

// List is one page of a listing.
type List[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// Resource is the CRUD surface shared by every admin collection.
type Resource[T any] struct {
	c    *Client
	path string
}

func newResource[T any](c *Client, path string) *Resource[T] {
	return &Resource[T]{c: c, path: path}
}

// Path is the collection path relative to the API root.
func (r *Resource[T]) Path() string {
	return r.path
}

func (r *Resource[T]) List(ctx context.Context, p Page) (*List[T], error) {
	var out List[T]
	if err := r.c.doJSON(ctx, http.MethodGet, r.path, p.values(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Resource[T]) Get(ctx context.Context, id string) (*T, error) {
	var out T
	if err := r.c.doJSON(ctx, http.MethodGet, r.itemPath(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Resource[T]) Create(ctx context.Context, v *T) (*T, error) {
	var out T
	if err := r.c.doJSON(ctx, http.MethodPost, r.path, nil, v, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Resource[T]) Update(ctx context.Context, id string, v *T) (*T, error) {
	var out T
	if err := r.c.doJSON(ctx, http.MethodPut, r.itemPath(id), nil, v, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Resource[T]) Delete(ctx context.Context, id string) error {
	return r.c.doJSON(ctx, http.MethodDelete, r.itemPath(id), nil, nil, nil)
}

func (r *Resource[T]) itemPath(id string) string {
	return r.path + "/" + url.PathEscape(id)
}

// GiftResource adds image upload to the gift collection.
type GiftResource struct {
	*Resource[Gift]
}

// UploadImage replaces the image of gift id with the contents of image.
func (r *GiftResource) UploadImage(ctx context.Context, id, filename string, image io.Reader) (*Gift, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, image); err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish form: %w", err)
	}

	var out Gift
	err = r.c.do(ctx, http.MethodPost, r.itemPath(id)+"/image", nil, &buf, mw.FormDataContentType(), mw, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
