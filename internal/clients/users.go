package clients

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/orders"
)

// UserClient reads users and addresses from the user service on behalf of
// the user named in X-User-Id.
type UserClient struct{ base }

func NewUserClient(baseURL string, timeout time.Duration) *UserClient {
	return &UserClient{newBase(baseURL, timeout)}
}

func (c *UserClient) GetUser(ctx context.Context, userID string) (orders.User, error) {
	var u orders.User
	err := c.do(ctx, http.MethodGet, "/users/me", userHeader(userID), nil, &u)
	return u, err
}

func (c *UserClient) GetAddress(ctx context.Context, userID, addressID string) (orders.Address, error) {
	var a orders.Address
	err := c.do(ctx, http.MethodGet, "/users/me/addresses/"+url.PathEscape(addressID), userHeader(userID), nil, &a)
	return a, err
}

func userHeader(userID string) http.Header {
	h := http.Header{}
	h.Set(HeaderUserID, userID)
	return h
}
