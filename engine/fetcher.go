// Copyright 2025 ConvoFlow Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"
)

// maxAttachmentBytes caps downloaded attachments. Vision providers reject
// oversized images anyway; failing early keeps memory bounded.
const maxAttachmentBytes = 10 << 20 // 10 MiB

// HTTPFetcher downloads attachments over HTTP(S) for the vision path.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher with a sensible download timeout.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Download fetches the attachment and validates it is an image of
// acceptable size. The name is derived from the URL path.
func (f *HTTPFetcher) Download(ctx context.Context, url string) ([]byte, string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to create attachment request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", "", fmt.Errorf("attachment download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", "", fmt.Errorf("attachment download returned status %d", resp.StatusCode)
	}

	mimeType := resp.Header.Get("Content-Type")
	if idx := strings.Index(mimeType, ";"); idx >= 0 {
		mimeType = strings.TrimSpace(mimeType[:idx])
	}
	if mimeType == "" {
		mimeType = mime.TypeByExtension(path.Ext(req.URL.Path))
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, "", "", fmt.Errorf("attachment is not an image: content type %q", mimeType)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes+1))
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to read attachment body: %w", err)
	}
	if len(data) > maxAttachmentBytes {
		return nil, "", "", fmt.Errorf("attachment exceeds %d byte limit", maxAttachmentBytes)
	}

	name := path.Base(req.URL.Path)
	if name == "." || name == "/" {
		name = "attachment"
	}
	return data, mimeType, name, nil
}
