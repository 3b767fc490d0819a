package hook

import (
	"bufio"
	"os"
	"regexp"
	"strings"
)

var exportLine = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*=`)

// readExports parses KEY=value lines. Lines that do not start with a
// valid variable name are skipped; a later assignment wins.
func readExports(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseExports(bufio.NewScanner(f))
}

func parseExports(sc *bufio.Scanner) (map[string]string, error) {
	out := map[string]string{}
	for sc.Scan() {
		line := sc.Text()
		if !exportLine.MatchString(line) {
			continue
		}
		k, v, _ := strings.Cut(line, "=")
		out[k] = v
	}
	return out, sc.Err()
}
