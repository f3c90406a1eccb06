package sfutil

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/salesforce-connector/internal/domain"
)

// PrintRecords writes each record as one JSON line, dropping the REST
// "attributes" envelope, followed by a total.
func PrintRecords(w io.Writer, result *domain.QueryResult) error {
	for _, record := range result.Records {
		line, err := json.Marshal(Strip(record))
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		if _, err := fmt.Fprintln(w, string(line)); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d of %d records\n", len(result.Records), result.TotalSize)
	return err
}

// Strip returns record without its "attributes" field.
func Strip(record domain.Record) domain.Record {
	out := make(domain.Record, len(record))
	for k, v := range record {
		if k == "attributes" {
			continue
		}
		out[k] = v
	}
	return out
}
