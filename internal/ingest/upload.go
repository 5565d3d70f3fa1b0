package ingest

import (
	"errors"

	"github.com/mbd888/fraudwatch/internal/fraud"
	"github.com/mbd888/fraudwatch/internal/metrics"
)

// FileDecoder decodes uploaded files, choosing the format by extension.
type FileDecoder struct{}

// Compile-time check.
var _ fraud.UploadDecoder = FileDecoder{}

// DecodeUpload implements fraud.UploadDecoder.
func (FileDecoder) DecodeUpload(filename string, data []byte) ([]fraud.TransactionInput, []error, error) {
	format, err := FormatFromFilename(filename)
	if err != nil {
		metrics.IngestRejectedTotal.WithLabelValues("upload", "format").Inc()
		return nil, nil, err
	}

	b, err := Decode(format, data)
	if err != nil {
		metrics.IngestRejectedTotal.WithLabelValues("upload", "document").Inc()
		return nil, nil, err
	}
	for _, rerr := range b.Rejected {
		metrics.IngestRejectedTotal.WithLabelValues("upload", RejectReason(rerr)).Inc()
	}
	return b.Inputs, b.Rejected, nil
}

// RejectReason labels a rejection for metrics.
func RejectReason(err error) string {
	var ve *fraud.ValidationError
	if errors.As(err, &ve) {
		return "validation"
	}
	return "parse"
}
