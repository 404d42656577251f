package cache

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"
)

const metadataFileName = ".metadata"
const dataFileName = ".data"
const lockFileName = ".lock"

// writeMetadataHeader (re)creates the .metadata file with a fresh header
// line, per spec §4.1 step 3: "clear .data and .metadata... write .metadata
// with a fresh header and the new symlink". The header carries creation time
// and algorithm, as named in spec §3's Cache entry definition.
func writeMetadataHeader(path string, algo Algorithm, createdAt time.Time) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "header\t%s\t%s\n", algo, createdAt.UTC().Format(time.RFC3339Nano))
	return err
}

// appendSymlinkRegistration appends one symlink-registration record to the
// growable append-log described in spec §3.
func appendSymlinkRegistration(path string, symlinkPath string, at time.Time) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "symlink\t%s\t%s\n", at.UTC().Format(time.RFC3339Nano), symlinkPath)
	return err
}

// metadataHeader is what readMetadataHeader extracts from an existing
// .metadata file.
type metadataHeader struct {
	Algorithm string
	CreatedAt time.Time
}

// readMetadataHeader reads just the header line, returning ok=false if the
// file is missing or its first line isn't a well-formed header record.
func readMetadataHeader(path string) (metadataHeader, bool) {
	f, err := os.Open(path)
	if err != nil {
		return metadataHeader{}, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return metadataHeader{}, false
	}
	fields := strings.Split(scanner.Text(), "\t")
	if len(fields) != 3 || fields[0] != "header" {
		return metadataHeader{}, false
	}
	createdAt, err := time.Parse(time.RFC3339Nano, fields[2])
	if err != nil {
		return metadataHeader{}, false
	}
	return metadataHeader{Algorithm: fields[1], CreatedAt: createdAt}, true
}
