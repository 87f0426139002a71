package knowledge

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// LoadChunksFromFile reads an array of chunks from a JSON or YAML file,
// chosen by extension. Chunks without an id or text are rejected.
func LoadChunksFromFile(path string) ([]Chunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "knowledge: read chunks file")
	}

	var chunks []Chunk
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &chunks)
	default:
		err = json.Unmarshal(data, &chunks)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "knowledge: unmarshal chunks file %s", path)
	}

	for i, c := range chunks {
		if strings.TrimSpace(c.ID) == "" || strings.TrimSpace(c.Text) == "" {
			return nil, eris.Errorf("knowledge: chunk %d in %s needs an id and text", i, path)
		}
	}
	return chunks, nil
}
