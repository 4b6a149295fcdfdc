package catalog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-match/internal/model"
)

func readJSONLines(ctx context.Context, path string, catalogID model.CatalogID) ([]model.SourceRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "jsonl: open file")
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var recs []model.SourceRecord
	line := 0
	for scanner.Scan() {
		line++
		if line%1000 == 0 && ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "jsonl: context cancelled")
		}
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(b, &obj); err != nil {
			return nil, eris.Wrapf(err, "jsonl: decode line %d", line)
		}
		recs = append(recs, recordFromMap(obj, line, catalogID))
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrap(err, "jsonl: scan")
	}
	return recs, nil
}

// DecodeJSONArray decodes a JSON array element by element, sending each to a
// channel. Both channels are closed when processing completes.
func DecodeJSONArray[T any](ctx context.Context, r io.Reader) (<-chan T, <-chan error) {
	outCh := make(chan T, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		decoder := json.NewDecoder(r)

		tok, err := decoder.Token()
		if err == io.EOF {
			return
		}
		if err != nil {
			errCh <- eris.Wrap(err, "json: read opening token")
			return
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			errCh <- eris.Errorf("json: expected '[', got %v", tok)
			return
		}

		for decoder.More() {
			var item T
			if err := decoder.Decode(&item); err != nil {
				errCh <- eris.Wrap(err, "json: decode element")
				return
			}
			select {
			case outCh <- item:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
				return
			}
		}
	}()

	return outCh, errCh
}

func readJSONArray(ctx context.Context, path string, catalogID model.CatalogID) ([]model.SourceRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "json: open file")
	}
	defer f.Close() //nolint:errcheck

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	objCh, errCh := DecodeJSONArray[map[string]any](ctx, f)
	var recs []model.SourceRecord
	for obj := range objCh {
		recs = append(recs, recordFromMap(obj, len(recs)+1, catalogID))
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return recs, nil
}
