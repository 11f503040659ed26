package IO

import (
	"os"
	"path/filepath"

	"github.com/sugarme/tokenizer"

	"github.com/jolt8888/MLOPS-Project2/errors"
)

// ResolveHubFile returns a local path for file of a model. A local directory
// wins; otherwise the Hugging Face hub cache is used, downloading on a miss.
func ResolveHubFile(modelNameOrPath, file string) (string, error) {
	if st, err := os.Stat(modelNameOrPath); err == nil && st.IsDir() {
		p := filepath.Join(modelNameOrPath, file)
		if !fileExists(p) {
			return "", errors.Unavailablef(nil, "%s has no %s", modelNameOrPath, file)
		}
		return p, nil
	}
	p, err := tokenizer.CachedPath(modelNameOrPath, file)
	if err != nil {
		return "", errors.Unavailablef(err, "fetch %s/%s", modelNameOrPath, file)
	}
	return p, nil
}
