package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// jsonDuration is written as a Go duration string ("3s"). Integer
// nanoseconds are still accepted on input.
type jsonDuration time.Duration

func (d jsonDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *jsonDuration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = jsonDuration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid duration %s: want a string such as \"5s\"", b)
	}
	*d = jsonDuration(n)
	return nil
}

// decodeStrict rejects unknown fields so typos in a config update fail
// instead of being ignored.
func decodeStrict(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type plainSearch SearchSpecification

type searchJSON struct {
	plainSearch
	QueryTimeout  jsonDuration `json:"query_timeout"`
	EmbedTimeout  jsonDuration `json:"embed_timeout"`
	ExpandTimeout jsonDuration `json:"expand_timeout"`
	VectorTimeout jsonDuration `json:"vector_timeout"`
	TextTimeout   jsonDuration `json:"text_timeout"`
	EnrichTimeout jsonDuration `json:"enrich_timeout"`
}

func toSearchJSON(s SearchSpecification) searchJSON {
	return searchJSON{
		plainSearch:   plainSearch(s),
		QueryTimeout:  jsonDuration(s.QueryTimeout),
		EmbedTimeout:  jsonDuration(s.EmbedTimeout),
		ExpandTimeout: jsonDuration(s.ExpandTimeout),
		VectorTimeout: jsonDuration(s.VectorTimeout),
		TextTimeout:   jsonDuration(s.TextTimeout),
		EnrichTimeout: jsonDuration(s.EnrichTimeout),
	}
}

func (s SearchSpecification) MarshalJSON() ([]byte, error) {
	return json.Marshal(toSearchJSON(s))
}

// UnmarshalJSON overlays b on s, so absent fields keep their values.
func (s *SearchSpecification) UnmarshalJSON(b []byte) error {
	aux := toSearchJSON(*s)
	if err := decodeStrict(b, &aux); err != nil {
		return err
	}
	*s = SearchSpecification(aux.plainSearch)
	s.QueryTimeout = time.Duration(aux.QueryTimeout)
	s.EmbedTimeout = time.Duration(aux.EmbedTimeout)
	s.ExpandTimeout = time.Duration(aux.ExpandTimeout)
	s.VectorTimeout = time.Duration(aux.VectorTimeout)
	s.TextTimeout = time.Duration(aux.TextTimeout)
	s.EnrichTimeout = time.Duration(aux.EnrichTimeout)
	return nil
}

type plainResponse ResponseSpecification

type responseJSON struct {
	plainResponse
	Timeout jsonDuration `json:"timeout"`
}

func (r ResponseSpecification) MarshalJSON() ([]byte, error) {
	return json.Marshal(responseJSON{plainResponse: plainResponse(r), Timeout: jsonDuration(r.Timeout)})
}

func (r *ResponseSpecification) UnmarshalJSON(b []byte) error {
	aux := responseJSON{plainResponse: plainResponse(*r), Timeout: jsonDuration(r.Timeout)}
	if err := decodeStrict(b, &aux); err != nil {
		return err
	}
	*r = ResponseSpecification(aux.plainResponse)
	r.Timeout = time.Duration(aux.Timeout)
	return nil
}
