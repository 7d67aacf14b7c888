// Package character defines the records served by the Rick and Morty
// character API and the paged envelope the list endpoint wraps them in.
package character

import "time"

// Place is a named reference to a location resource.
type Place struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Character is a single character record.
// Only ID is relied upon by the pagination controller; the rest is display data.
type Character struct {
	ID       int       `json:"id"`
	Name     string    `json:"name"`
	Status   string    `json:"status"`
	Species  string    `json:"species"`
	Type     string    `json:"type"`
	Gender   string    `json:"gender"`
	Origin   Place     `json:"origin"`
	Location Place     `json:"location"`
	Image    string    `json:"image"`
	Episode  []string  `json:"episode"`
	URL      string    `json:"url"`
	Created  time.Time `json:"created"`
}

// Info is the pagination metadata of a list response.
// Next and Prev are empty when the API returns null.
type Info struct {
	Count int    `json:"count"`
	Pages int    `json:"pages"`
	Next  string `json:"next"`
	Prev  string `json:"prev"`
}

// HasNext reports whether a next page cursor is present.
func (i Info) HasNext() bool {
	return i.Next != ""
}

// IsFirst reports whether the response is the first page of its query.
func (i Info) IsFirst() bool {
	return i.Prev == ""
}

// Page is one page of the character list endpoint.
type Page struct {
	Info    Info        `json:"info"`
	Results []Character `json:"results"`
}

// IDs returns the identifiers of the page's results in order.
func (p *Page) IDs() []int {
	if p == nil {
		return nil
	}
	ids := make([]int, len(p.Results))
	for i, c := range p.Results {
		ids[i] = c.ID
	}
	return ids
}
