// Package registry stores aircraft reference data (registration,
// operator, airframe type) keyed by ICAO24. The observer consults it
// when an aircraft first appears; SBS-1 input never populates these
// fields.
package registry

import (
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Aircraft is one reference record.
type Aircraft struct {
	Icao24       string `json:"icao24"`
	Registration string `json:"registration,omitempty"`
	Operator     string `json:"operator,omitempty"`
	Type         string `json:"type,omitempty"`
}

// Store is a BuntDB-backed registry.
type Store struct {
	db *buntdb.DB
}

const keyPrefix = "aircraft:"

// Open opens (or creates) the registry database. Path ":memory:" keeps
// it in RAM.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			_ = os.MkdirAll(dir, 0o755)
		}
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put stores or replaces one record.
func (s *Store) Put(a Aircraft) error {
	if a.Icao24 == "" {
		return errors.New("registry: empty icao24")
	}
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(keyPrefix+normalize(a.Icao24), string(b), nil)
		return err
	})
}

// Lookup returns the record for icao24 when present.
func (s *Store) Lookup(icao24 string) (Aircraft, bool) {
	var a Aircraft
	found := false
	_ = s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(keyPrefix + normalize(icao24))
		if err != nil {
			return err
		}
		if json.Unmarshal([]byte(v), &a) == nil {
			found = true
		}
		return nil
	})
	return a, found
}

// Len reports the number of stored records.
func (s *Store) Len() int {
	n := 0
	_ = s.db.View(func(tx *buntdb.Tx) error {
		_ = tx.AscendKeys(keyPrefix+"*", func(_, _ string) bool {
			n++
			return true
		})
		return nil
	})
	return n
}

// ImportCSV loads rows of icao24,registration,operator,type. A header
// row starting with "icao24" is skipped. Returns the number of records
// stored.
func (s *Store) ImportCSV(r io.Reader) (int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	n := 0
	err := s.db.Update(func(tx *buntdb.Tx) error {
		for {
			rec, err := cr.Read()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			if len(rec) == 0 || strings.EqualFold(strings.TrimSpace(rec[0]), "icao24") {
				continue
			}
			a := Aircraft{Icao24: strings.TrimSpace(rec[0])}
			if a.Icao24 == "" {
				continue
			}
			if len(rec) > 1 {
				a.Registration = strings.TrimSpace(rec[1])
			}
			if len(rec) > 2 {
				a.Operator = strings.TrimSpace(rec[2])
			}
			if len(rec) > 3 {
				a.Type = strings.TrimSpace(rec[3])
			}
			b, err := json.Marshal(a)
			if err != nil {
				return err
			}
			if _, _, err := tx.Set(keyPrefix+normalize(a.Icao24), string(b), nil); err != nil {
				return err
			}
			n++
		}
	})
	return n, err
}

func normalize(icao string) string { return strings.ToLower(strings.TrimSpace(icao)) }
