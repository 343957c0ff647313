package handler

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/cuongbtq/answer-queue/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobCursorRoundTrip(t *testing.T) {
	cursor := &domain.JobCursor{
		CreatedDate: time.Date(2026, 4, 5, 6, 7, 8, 123456000, time.UTC),
		ID:          98765,
	}

	decoded, err := DecodeJobCursor(EncodeJobCursor(cursor))
	require.NoError(t, err)
	assert.True(t, cursor.CreatedDate.Equal(decoded.CreatedDate))
	assert.Equal(t, cursor.ID, decoded.ID)
}

func TestDecodeJobCursor(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantNil bool
		wantErr bool
	}{
		{name: "empty is first page", input: "", wantNil: true},
		{name: "not base64", input: "%%%", wantErr: true},
		{name: "missing separator", input: base64.URLEncoding.EncodeToString([]byte("12345")), wantErr: true},
		{name: "non numeric id", input: base64.URLEncoding.EncodeToString([]byte("12345|abc")), wantErr: true},
		{name: "non numeric time", input: base64.URLEncoding.EncodeToString([]byte("soon|7")), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cursor, err := DecodeJobCursor(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantNil, cursor == nil)
		})
	}
}

func TestSplitClasses(t *testing.T) {
	assert.Equal(t, []string{"gemma", "mixtral", "rank"}, splitClasses([]string{"gemma, mixtral", "rank", " "}))
	assert.Nil(t, splitClasses(nil))
}
