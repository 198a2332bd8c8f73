package export

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"erp-workflow/internal/apperrors"
)

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("XLSX")
	require.NoError(t, err)
	assert.Equal(t, XLSX, f)

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, CSV, f)

	_, err = ParseFormat("pdf")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestCSVWriter(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(CSV, &buf, "")
	require.NoError(t, err)
	require.NoError(t, w.Write([]string{"ID", "Comment"}))
	require.NoError(t, w.Write([]string{"1", "needs, quoting"}))
	require.NoError(t, w.Close())

	assert.Equal(t, "ID,Comment\n1,\"needs, quoting\"\n", buf.String())
}

func TestXLSXWriter(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(XLSX, &buf, "State Logs")
	require.NoError(t, err)
	require.NoError(t, w.Write([]string{"ID", "Entity ID"}))
	require.NoError(t, w.Write([]string{"7", "42"}))
	require.NoError(t, w.Close())

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("State Logs")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"ID", "Entity ID"}, {"7", "42"}}, rows)
}

func TestLocalSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")
	sink := LocalSink{Dir: dir}

	location, err := sink.Store(context.Background(), "../escape.csv", CSV.ContentType(), strings.NewReader("a,b\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "escape.csv"), location)

	content, err := os.ReadFile(location)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n", string(content))
}

type mockS3 struct {
	mock.Mock
}

func (m *mockS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(ctx, params)
	if out := args.Get(0); out != nil {
		return out.(*s3.PutObjectOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestS3Sink(t *testing.T) {
	client := new(mockS3)
	client.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		body, _ := io.ReadAll(in.Body)
		return *in.Bucket == "audit" && *in.Key == "exports/logs.csv" &&
			*in.ContentType == "text/csv" && string(body) == "x"
	})).Return(&s3.PutObjectOutput{}, nil).Once()

	sink := NewS3Sink(client, "audit", "exports/")
	location, err := sink.Store(context.Background(), "logs.csv", CSV.ContentType(), strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, "s3://audit/exports/logs.csv", location)
	client.AssertExpectations(t)
}

func TestS3SinkError(t *testing.T) {
	client := new(mockS3)
	client.On("PutObject", mock.Anything, mock.Anything).Return(nil, errors.New("access denied"))

	_, err := NewS3Sink(client, "audit", "").Store(context.Background(), "logs.csv", CSV.ContentType(), strings.NewReader("x"))
	assert.ErrorContains(t, err, "access denied")
}
