// Package evidence turns uploaded documents into text for the summarizer.
package evidence

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"strings"

	"code.sajari.com/docconv"
	lru "github.com/hashicorp/golang-lru/v2"
)

var ErrNoText = errors.New("evidence: no text extracted")

type convertFunc func(r io.Reader, mimeType string, readability bool) (*docconv.Response, error)

// Extractor wraps docconv with an LRU of already extracted documents keyed by
// the caller's cache key (one key per stored file).
type Extractor struct {
	cache          *lru.Cache[string, string]
	useReadability bool
	convert        convertFunc
}

func NewExtractor(cacheSize int, useReadability bool) (*Extractor, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Extractor{cache: cache, useReadability: useReadability, convert: docconv.Convert}, nil
}

func (e *Extractor) ExtractText(ctx context.Context, cacheKey string, data []byte, mediaType string) (string, error) {
	if cacheKey != "" {
		if text, ok := e.cache.Get(cacheKey); ok {
			return text, nil
		}
	}

	res, err := e.convert(bytes.NewReader(data), mediaType, e.useReadability)
	if err != nil {
		log.Printf("docconv: extraction failed for content type '%s': %v", mediaType, err)
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	text := strings.TrimSpace(res.Body)
	if text == "" {
		return "", ErrNoText
	}
	if cacheKey != "" {
		e.cache.Add(cacheKey, text)
	}
	return text, nil
}
