package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Tweet is a single timeline item as returned by the source API.
// Only the identifiers are decoded; the full document is kept verbatim in Raw
// so that the stored content is exactly what the API returned.
type Tweet struct {
	// ID is the unique numeric identifier of the tweet.
	ID int64
	// UserID is the identifier of the owning user. With trim_user=true the API
	// still returns the user object, reduced to its identifiers.
	UserID int64
	// Raw holds the compacted JSON document of the tweet.
	Raw json.RawMessage
}

type tweetHead struct {
	ID   int64 `json:"id"`
	User struct {
		ID int64 `json:"id"`
	} `json:"user"`
}

// IDString returns the identifier in the decimal form used for message ids.
func (t Tweet) IDString() string {
	return strconv.FormatInt(t.ID, 10)
}

// UnmarshalJSON decodes the identifiers and keeps a compacted copy of the document.
func (t *Tweet) UnmarshalJSON(data []byte) error {
	var head tweetHead
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("failed to decode tweet: %w", err)
	}
	if head.ID == 0 {
		return fmt.Errorf("tweet has no id")
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return fmt.Errorf("failed to compact tweet %d: %w", head.ID, err)
	}

	t.ID = head.ID
	t.UserID = head.User.ID
	t.Raw = buf.Bytes()
	return nil
}

// MarshalJSON returns the original document. A Tweet built in code without a
// raw document is encoded with its identifiers only.
func (t Tweet) MarshalJSON() ([]byte, error) {
	if len(t.Raw) > 0 {
		return t.Raw, nil
	}
	var head tweetHead
	head.ID = t.ID
	head.User.ID = t.UserID
	return json.Marshal(head)
}
