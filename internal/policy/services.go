package policy

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ShellService runs an external command with the script-provided
// arguments, returning its stdout. The command is killed (and waited on)
// when the timeout expires.
type ShellService struct {
	Binary  string
	Timeout time.Duration
}

// Invoke implements Service.
func (s *ShellService) Invoke(args ...string) (string, error) {
	timeout := s.Timeout
	if timeout == 0 {
		timeout = 1 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.Binary, args...)
	var out bytes.Buffer
	cmd.Stdout = &out

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("policy: service %q timed out", s.Binary)
	}
	if err != nil {
		return "", fmt.Errorf("policy: service %q failed: %v", s.Binary, err)
	}
	return strings.TrimRight(out.String(), "\n"), nil
}

// CSVService answers key lookups out of a two-column CSV file, re-read on
// every invocation so operators can edit it without restarts. A missing
// key returns an empty string, not an error, so scripts can branch on it.
type CSVService struct {
	Path string
}

// Invoke implements Service.
func (s *CSVService) Invoke(args ...string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("policy: csv lookup takes exactly one key")
	}

	f, err := os.Open(s.Path)
	if err != nil {
		return "", fmt.Errorf("policy: opening %q: %v", s.Path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return "", fmt.Errorf("policy: reading %q: %v", s.Path, err)
	}

	for _, rec := range records {
		if len(rec) >= 2 && rec[0] == args[0] {
			return rec[1], nil
		}
	}
	return "", nil
}

// DirServices builds the named-service table from a policy directory:
// every executable under <dir>/services/ becomes a shell service under its
// file name, and every .csv file a key lookup service under its base name.
func DirServices(dir string) map[string]Service {
	services := map[string]Service{}

	entries, err := os.ReadDir(filepath.Join(dir, "services"))
	if err != nil {
		return services
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		path := filepath.Join(dir, "services", name)

		if strings.HasSuffix(name, ".csv") {
			services[strings.TrimSuffix(name, ".csv")] = &CSVService{Path: path}
			continue
		}
		services[name] = &ShellService{Binary: path}
	}

	return services
}
