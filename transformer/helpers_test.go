package transformer

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func replaceAll(s string, pairs map[string]string) string {
	for from, to := range pairs {
		s = strings.Replace(s, from, to, 1)
	}
	return s
}
