package billing

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadRemittanceFile reads a remittance batch from a YAML (or JSON) file.
func LoadRemittanceFile(path string) (RemittanceBatch, error) {
	f, err := os.Open(path)
	if err != nil {
		return RemittanceBatch{}, fmt.Errorf("open remittance file: %w", err)
	}
	defer f.Close()

	batch, err := DecodeRemittance(f)
	if err != nil {
		return RemittanceBatch{}, fmt.Errorf("%s: %w", path, err)
	}
	return batch, nil
}

// DecodeRemittance decodes a single batch document. Unknown keys are
// rejected so a misspelled field does not silently post a zero amount.
func DecodeRemittance(r io.Reader) (RemittanceBatch, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var batch RemittanceBatch
	if err := dec.Decode(&batch); err != nil {
		if err == io.EOF {
			return RemittanceBatch{}, validation("remittance", "", "file is empty")
		}
		return RemittanceBatch{}, fmt.Errorf("decode remittance: %w", err)
	}
	if err := batch.Validate(); err != nil {
		return RemittanceBatch{}, err
	}
	return batch, nil
}

// WriteUnmatched writes the lines that could not be posted as a batch with
// the original header, so it can be corrected and imported again.
func WriteUnmatched(w io.Writer, batch RemittanceBatch, result RemittanceResult) (int, error) {
	var lines []RemittanceLine
	for _, o := range result.Outcomes {
		switch o.Status {
		case OutcomeUnmatched, OutcomeFailed:
			lines = append(lines, o.Line)
		}
	}
	if len(lines) == 0 {
		return 0, nil
	}

	out := batch
	out.Lines = lines
	out.TotalAmount = out.PaidTotal()

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return 0, fmt.Errorf("encode unmatched lines: %w", err)
	}
	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("encode unmatched lines: %w", err)
	}
	return len(lines), nil
}
