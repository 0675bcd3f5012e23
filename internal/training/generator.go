package training

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// #region dir-generator

// DirGenerator assembles a dataset from every *.jsonl file in Dir. Lines that
// fail to decode are skipped.
type DirGenerator struct {
	Dir string
	now func() time.Time
}

// NewDirGenerator creates a DirGenerator.
func NewDirGenerator(dir string) *DirGenerator {
	return &DirGenerator{Dir: dir, now: time.Now}
}

// Generate reads the directory in file-name order.
func (g *DirGenerator) Generate(ctx context.Context) (Dataset, error) {
	files, err := filepath.Glob(filepath.Join(g.Dir, "*.jsonl"))
	if err != nil {
		return Dataset{}, fmt.Errorf("glob dataset dir: %w", err)
	}
	sort.Strings(files)

	var records []Record
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return Dataset{}, err
		}
		rs, err := readJSONL(f)
		if err != nil {
			return Dataset{}, err
		}
		records = append(records, rs...)
	}
	if len(records) == 0 {
		return Dataset{}, fmt.Errorf("%s: %w", g.Dir, ErrEmptyDataset)
	}
	ds := buildDataset("dir:"+g.Dir, records, g.now())
	ds.Path = g.Dir
	return ds, nil
}

func readJSONL(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			continue
		}
		if strings.TrimSpace(r.Content()) == "" {
			continue
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return out, nil
}

// #endregion dir-generator

// #region build

// buildDataset assigns an id and a content checksum.
func buildDataset(source string, records []Record, now time.Time) Dataset {
	h := sha256.New()
	var sb strings.Builder
	for _, r := range records {
		c := r.Content()
		h.Write([]byte(c))
		h.Write([]byte{0})
		sb.WriteString(c)
		sb.WriteString("\n")
	}
	return Dataset{
		ID:        uuid.New().String(),
		Source:    source,
		Records:   len(records),
		Checksum:  hex.EncodeToString(h.Sum(nil)),
		CreatedAt: now.UTC(),
		Text:      sb.String(),
	}
}

// WriteJSONL writes records to path, one per line.
func WriteJSONL(path string, records []Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	enc := json.NewEncoder(f)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			f.Close()
			return fmt.Errorf("encode record: %w", err)
		}
	}
	return f.Close()
}

// #endregion build
