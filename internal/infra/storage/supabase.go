// Package storage archives finished call artefacts in object storage.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/supabase-community/supabase-go"
)

// Uploader stores one object.
type Uploader interface {
	Upload(key, contentType string, data []byte) error
}

// SupabaseStorage implements Uploader using Supabase's Storage API.
type SupabaseStorage struct {
	client *supabase.Client
	bucket string
}

// NewSupabaseStorage constructs a Supabase storage client. It returns nil and
// no error when the archive is not configured.
func NewSupabaseStorage(baseURL, serviceKey, bucket string) (*SupabaseStorage, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" && serviceKey == "" {
		return nil, nil
	}
	if baseURL == "" || serviceKey == "" {
		return nil, errors.New("missing Supabase configuration: SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY required")
	}
	if bucket == "" {
		bucket = "call-archive"
	}
	client, err := supabase.NewClient(baseURL, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	return &SupabaseStorage{client: client, bucket: bucket}, nil
}

func (s *SupabaseStorage) Upload(key, contentType string, data []byte) error {
	if s == nil {
		return errors.New("supabase storage not configured")
	}
	if _, err := s.client.Storage.UploadFile(s.bucket, key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to upload %s to Supabase: %w", key, err)
	}
	return nil
}

// CallObjectKey places call artefacts under calls/YYYY/MM/DD/<sid>/<name>.
func CallObjectKey(callSID string, started time.Time, name string) string {
	if started.IsZero() {
		started = time.Now()
	}
	return path.Join("calls", started.UTC().Format("2006/01/02"), callSID, name)
}
