package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"github.com/Sternrassler/rickmorty-wiki/pkg/character"
	"github.com/tidwall/gjson"
)

// maxBodyBytes bounds how much of an upstream body is read.
const maxBodyBytes = 8 << 20

// FetchPage fetches one page of the character list at an absolute URL
// (the base URL, a search URL or a next/prev cursor).
func (c *Client) FetchPage(ctx context.Context, pageURL string) (*character.Page, error) {
	body, err := c.getBody(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	page, err := decodePage(pageURL, body)
	if err != nil {
		c.evict(ctx, pageURL)
		return nil, err
	}
	return page, nil
}

// FetchDefault fetches the first page of the unfiltered list.
func (c *Client) FetchDefault(ctx context.Context) (*character.Page, error) {
	return c.FetchPage(ctx, c.BaseURL())
}

// FetchPageNumber fetches page n of the list rooted at listURL.
func (c *Client) FetchPageNumber(ctx context.Context, listURL string, n int) (*character.Page, error) {
	if n < 1 {
		return nil, fmt.Errorf("page number must be >= 1 (got %d)", n)
	}

	u, err := url.Parse(listURL)
	if err != nil {
		return nil, &APIError{ErrorClass: ErrorClassClient, URL: listURL, Message: "invalid list url", Err: err}
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(n))
	u.RawQuery = q.Encode()

	return c.FetchPage(ctx, u.String())
}

// FetchOne fetches a single character by id.
func (c *Client) FetchOne(ctx context.Context, id int) (*character.Character, error) {
	if id <= 0 {
		return nil, fmt.Errorf("character id must be positive (got %d)", id)
	}

	u := c.baseURL.JoinPath(strconv.Itoa(id)).String()
	body, err := c.getBody(ctx, u)
	if err != nil {
		return nil, err
	}
	char, err := decodeCharacter(u, body)
	if err != nil {
		c.evict(ctx, u)
		return nil, err
	}
	return char, nil
}

// getBody GETs rawURL and returns the body. Identical concurrent calls share
// one upstream request; each caller still honours its own context.
func (c *Client) getBody(ctx context.Context, rawURL string) ([]byte, error) {
	ch := c.flight.DoChan(rawURL, func() (any, error) {
		// Detached so one caller giving up does not fail the others.
		flightCtx := context.WithoutCancel(ctx)

		resp, err := c.Get(flightCtx, rawURL)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, &APIError{
				StatusCode: resp.StatusCode,
				ErrorClass: ErrorClassNetwork,
				URL:        rawURL,
				Message:    "read response body",
				Err:        err,
			}
		}
		return body, nil
	})

	select {
	case <-ctx.Done():
		return nil, &APIError{
			ErrorClass: ErrorClassNetwork,
			URL:        rawURL,
			Message:    "request abandoned",
			Err:        ctx.Err(),
		}
	case res := <-ch:
		if res.Shared {
			sharedFetchesTotal.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// decodePage validates the list envelope before unmarshalling it.
func decodePage(pageURL string, body []byte) (*character.Page, error) {
	if !gjson.ValidBytes(body) {
		return nil, decodeError(pageURL, "body is not valid JSON")
	}

	doc := gjson.ParseBytes(body)
	if msg := doc.Get("error"); msg.Exists() {
		return nil, decodeError(pageURL, "api error: %s", msg.String())
	}
	if !doc.Get("info").IsObject() {
		return nil, decodeError(pageURL, "missing info object")
	}
	if !doc.Get("results").IsArray() {
		return nil, decodeError(pageURL, "missing results array")
	}
	for _, field := range []string{"info.next", "info.prev"} {
		v := doc.Get(field)
		if v.Exists() && v.Type != gjson.Null && v.Type != gjson.String {
			return nil, decodeError(pageURL, "%s must be a string or null", field)
		}
	}

	var page character.Page
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, pageURL, err)
	}
	if page.Results == nil {
		page.Results = []character.Character{}
	}
	return &page, nil
}

// decodeCharacter validates and unmarshals a single character.
func decodeCharacter(rawURL string, body []byte) (*character.Character, error) {
	if !gjson.ValidBytes(body) {
		return nil, decodeError(rawURL, "body is not valid JSON")
	}

	doc := gjson.ParseBytes(body)
	if msg := doc.Get("error"); msg.Exists() {
		return nil, decodeError(rawURL, "api error: %s", msg.String())
	}
	if id := doc.Get("id"); id.Type != gjson.Number {
		return nil, decodeError(rawURL, "missing numeric id")
	}

	var c character.Character
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, rawURL, err)
	}
	return &c, nil
}

// IsDecode reports whether err is a decode-kind failure.
func IsDecode(err error) bool {
	return errors.Is(err, ErrDecode)
}
