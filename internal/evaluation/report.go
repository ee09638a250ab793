package evaluation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/models"
)

// RenderReport encodes a report as "json" or "yaml".
func RenderReport(r *models.Report, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "json":
		return json.MarshalIndent(r, "", "  ")
	case "yaml", "yml", "":
		return yaml.Marshal(r)
	default:
		return nil, errors.NewValidationError(errors.CodeInvalidFormat, fmt.Sprintf("unsupported report format %q", format))
	}
}

// WriteReport writes a report, choosing the format from the file extension.
func WriteReport(r *models.Report, path string) error {
	data, err := RenderReport(r, strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to create report directory")
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to write report")
	}
	return nil
}
