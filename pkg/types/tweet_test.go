package types_test

import (
	"encoding/json"
	"testing"

	"github.com/illmade-knight/go-tweetprocess/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTweet_UnmarshalKeepsRawDocument(t *testing.T) {
	doc := `{
		"id": 1050118621198921728,
		"id_str": "1050118621198921728",
		"text": "hello",
		"user": {"id": 6253282, "id_str": "6253282"}
	}`

	var tweet types.Tweet
	err := json.Unmarshal([]byte(doc), &tweet)
	require.NoError(t, err)

	assert.Equal(t, int64(1050118621198921728), tweet.ID)
	assert.Equal(t, int64(6253282), tweet.UserID)
	assert.Equal(t, "1050118621198921728", tweet.IDString())
	assert.JSONEq(t, doc, string(tweet.Raw))
	assert.NotContains(t, string(tweet.Raw), "\n")
}

func TestTweet_MarshalReturnsRawDocument(t *testing.T) {
	var tweet types.Tweet
	require.NoError(t, json.Unmarshal([]byte(`{"id":7,"text":"x","user":{"id":3}}`), &tweet))

	out, err := json.Marshal(tweet)
	require.NoError(t, err)
	assert.Equal(t, `{"id":7,"text":"x","user":{"id":3}}`, string(out))

	var again types.Tweet
	require.NoError(t, json.Unmarshal(out, &again))
	assert.Equal(t, tweet, again)
}

func TestTweet_MarshalWithoutRaw(t *testing.T) {
	out, err := json.Marshal(types.Tweet{ID: 42, UserID: 9})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":42,"user":{"id":9}}`, string(out))
}

func TestTweet_UnmarshalRejectsMissingID(t *testing.T) {
	var tweet types.Tweet
	err := json.Unmarshal([]byte(`{"text":"no id"}`), &tweet)
	assert.Error(t, err)
}
