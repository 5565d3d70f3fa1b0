package fraud

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDecoder returns canned inputs regardless of the file content.
type stubDecoder struct {
	inputs   []TransactionInput
	rejected []error
	err      error
}

func (s stubDecoder) DecodeUpload(string, []byte) ([]TransactionInput, []error, error) {
	return s.inputs, s.rejected, s.err
}

func setupHandler(t *testing.T, dec UploadDecoder) (*gin.Engine, *MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	lanes := NewLanes(NewEngine(store), 2, 8, nil)
	t.Cleanup(lanes.Close)

	r := gin.New()
	NewHandler(lanes, store, dec).RegisterRoutes(r.Group("/api"))
	return r, store
}

func multipartBody(t *testing.T, field, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, _ = part.Write([]byte(content))
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func TestHandler_Upload(t *testing.T) {
	dec := stubDecoder{
		inputs: []TransactionInput{
			input("h1", "u2", 10500, t0, "NYC"),
			input("h2", "u1", 10, t0, "NYC"),
		},
		rejected: []error{errors.New("line 4: bad amount")},
	}
	r, _ := setupHandler(t, dec)

	body, ct := multipartBody(t, "file", "tx.csv", "ignored")
	req := httptest.NewRequest(http.MethodPost, "/api/transactions/upload", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp UploadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, UploadResponse{
		Message:   "Successfully processed 2 transactions",
		Processed: 2,
		Flagged:   1,
		Skipped:   1,
	}, resp)
}

func TestHandler_UploadMissingFile(t *testing.T) {
	r, _ := setupHandler(t, stubDecoder{})

	body, ct := multipartBody(t, "document", "tx.csv", "x")
	req := httptest.NewRequest(http.MethodPost, "/api/transactions/upload", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")
}

func TestHandler_UploadUndecodableFile(t *testing.T) {
	r, _ := setupHandler(t, stubDecoder{err: errors.New("invalid JSON document")})

	body, ct := multipartBody(t, "file", "tx.json", "{")
	req := httptest.NewRequest(http.MethodPost, "/api/transactions/upload", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_file")
}

func TestHandler_UploadTooLarge(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	lanes := NewLanes(NewEngine(store), 1, 1, nil)
	t.Cleanup(lanes.Close)

	r := gin.New()
	api := r.Group("/api")
	api.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 64)
		c.Next()
	})
	NewHandler(lanes, store, stubDecoder{}).RegisterRoutes(api)

	body, ct := multipartBody(t, "file", "tx.csv", string(bytes.Repeat([]byte("a"), 4096)))
	req := httptest.NewRequest(http.MethodPost, "/api/transactions/upload", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestHandler_GetTransaction(t *testing.T) {
	r, store := setupHandler(t, stubDecoder{})
	in := input("g1", "u1", 42, t0, "NYC")
	_, _, err := store.ResolveTransaction(t.Context(), in.transaction())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/transactions/g1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "g1", got["transaction_id"])
	assert.Equal(t, "42", got["amount"])
	assert.Nil(t, got["fraud_type"])

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/transactions/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ListFlagged(t *testing.T) {
	r, store := setupHandler(t, stubDecoder{})
	engine := NewEngine(store)
	for i, user := range []string{"u1", "u2", "u1"} {
		_, err := engine.Process(t.Context(), input("f"+string(rune('0'+i)), user, 10500, t0.Add(time.Duration(i)*time.Hour), "NYC"))
		require.NoError(t, err)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/flagged?user_id=u1&limit=1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var flags []FlaggedTransaction
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &flags))
	require.Len(t, flags, 1)
	assert.Equal(t, "f2", flags[0].TransactionID)
	assert.Equal(t, LabelHighAmount, flags[0].FraudType)
}

func TestHandler_ListFlaggedEmptyIsArray(t *testing.T) {
	r, _ := setupHandler(t, stubDecoder{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/flagged", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestHandler_Stats(t *testing.T) {
	r, store := setupHandler(t, stubDecoder{})
	_, err := NewEngine(store).Process(t.Context(), input("s1", "u2", 10500, t0, "NYC"))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"total_flagged":1,"high_frequency":0,"high_amount":1,"rapid_location":0}`, w.Body.String())
}
