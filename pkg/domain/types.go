package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// MaxUploadBytes is the largest single file accepted for ingestion.
	MaxUploadBytes int64 = 50 * 1024 * 1024
	// StorageCapacityBytes is the per-user capacity reported in usage summaries.
	// It is informational only and never blocks writes.
	StorageCapacityBytes int64 = 2 * 1024 * 1024 * 1024
)

// Category is the coarse classification of a file derived from its extension.
type Category uint8

const (
	CategoryImage Category = iota
	CategoryDocument
	CategoryVideo
	CategoryAudio
	CategoryOther

	numCategories = int(CategoryOther) + 1
)

// Categories lists every category in canonical order.
var Categories = [numCategories]Category{
	CategoryImage,
	CategoryDocument,
	CategoryVideo,
	CategoryAudio,
	CategoryOther,
}

var categoryNames = [numCategories]string{"image", "document", "video", "audio", "other"}

func (c Category) String() string {
	return categoryNames[c.index()]
}

// index maps out-of-range values onto CategoryOther so a Category can always
// address a fixed-size bucket array.
func (c Category) index() int {
	if int(c) >= numCategories {
		return int(CategoryOther)
	}
	return int(c)
}

// ParseCategory resolves a category name. Unknown names report false.
func ParseCategory(name string) (Category, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range categoryNames {
		if n == name {
			return Category(i), true
		}
	}
	return CategoryOther, false
}

func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(text []byte) error {
	parsed, ok := ParseCategory(string(text))
	if !ok {
		return fmt.Errorf("unknown category %q", string(text))
	}
	*c = parsed
	return nil
}

// File is the metadata row describing one stored blob.
type File struct {
	ID        string    `json:"id"`
	Category  Category  `json:"type"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Extension string    `json:"extension"`
	Size      int64     `json:"size"`
	OwnerID   string    `json:"owner"`
	AccountID string    `json:"accountId"`
	Users     []string  `json:"users"`
	BlobID    string    `json:"bucketFileId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SharedWith reports whether email is in the collaborator set.
func (f File) SharedWith(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return false
	}
	for _, u := range f.Users {
		if strings.EqualFold(u, email) {
			return true
		}
	}
	return false
}

// User is one authenticated identity.
type User struct {
	ID        string    `json:"id"`
	FullName  string    `json:"fullName"`
	Email     string    `json:"email"`
	Avatar    string    `json:"avatar"`
	AccountID string    `json:"accountId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UsageBucket accumulates size and the latest modification time of one category.
// LatestDate is RFC 3339 or empty when the category holds no files.
type UsageBucket struct {
	Size       int64  `json:"size"`
	LatestDate string `json:"latestDate"`
}

// UsageSummary is derived from a user's file rows; it is never persisted.
type UsageSummary struct {
	Buckets  [numCategories]UsageBucket
	Used     int64
	Capacity int64
}

// Bucket returns the bucket of a category.
func (u UsageSummary) Bucket(c Category) UsageBucket {
	return u.Buckets[c.index()]
}

// BucketRef returns a pointer to the bucket of a category for accumulation.
func (u *UsageSummary) BucketRef(c Category) *UsageBucket {
	return &u.Buckets[c.index()]
}

// MarshalJSON renders the summary as {"image": {...}, ..., "used": n, "all": n}.
func (u UsageSummary) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, numCategories+2)
	for _, c := range Categories {
		out[c.String()] = u.Bucket(c)
	}
	out["used"] = u.Used
	out["all"] = u.Capacity
	return json.Marshal(out)
}

// UnmarshalJSON reads the shape written by MarshalJSON.
func (u *UsageSummary) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var out UsageSummary
	for _, c := range Categories {
		if v, ok := raw[c.String()]; ok {
			if err := json.Unmarshal(v, out.BucketRef(c)); err != nil {
				return fmt.Errorf("usage bucket %s: %w", c, err)
			}
		}
	}
	if v, ok := raw["used"]; ok {
		if err := json.Unmarshal(v, &out.Used); err != nil {
			return fmt.Errorf("usage used: %w", err)
		}
	}
	if v, ok := raw["all"]; ok {
		if err := json.Unmarshal(v, &out.Capacity); err != nil {
			return fmt.Errorf("usage all: %w", err)
		}
	}
	*u = out
	return nil
}
