package form

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/BTreeMap/FormPipe/internal/models"
	jsonpatch "github.com/evanphx/json-patch/v5"
)

// ErrPublishedImmutable is returned when editing a form that is already published.
var ErrPublishedImmutable = errors.New("published forms are immutable")

// editablePrefixes lists the JSON pointers an RFC 6902 patch may touch.
var editablePrefixes = []string{
	"/title", "/description", "/persona", "/system_prompt", "/fields", "/graph",
}

type patchOp struct {
	Op   string `json:"op"`
	Path string `json:"path"`
	From string `json:"from,omitempty"`
}

func allowedPath(path string) bool {
	for _, prefix := range editablePrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

// ApplyPatch applies an RFC 6902 JSON patch to a draft form and returns the edited copy.
// Identity, slug and status cannot be patched.
func ApplyPatch(def *models.FormDefinition, patchJSON []byte) (*models.FormDefinition, error) {
	if def.Status == models.FormStatusPublished {
		return nil, ErrPublishedImmutable
	}

	var ops []patchOp
	if err := json.Unmarshal(patchJSON, &ops); err != nil {
		return nil, fmt.Errorf("invalid patch document: %w", err)
	}
	for _, op := range ops {
		if !allowedPath(op.Path) {
			return nil, fmt.Errorf("patch path %q is not editable", op.Path)
		}
		if op.From != "" && !allowedPath(op.From) {
			return nil, fmt.Errorf("patch source %q is not editable", op.From)
		}
	}

	patch, err := jsonpatch.DecodePatch(patchJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode patch: %w", err)
	}
	current, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal form: %w", err)
	}
	modified, err := patch.Apply(current)
	if err != nil {
		return nil, fmt.Errorf("failed to apply patch: %w", err)
	}

	var out models.FormDefinition
	if err := json.Unmarshal(modified, &out); err != nil {
		return nil, fmt.Errorf("patch produced an invalid form: %w", err)
	}
	out.ID, out.Slug, out.Status, out.CreatedAt = def.ID, def.Slug, def.Status, def.CreatedAt
	return &out, nil
}
