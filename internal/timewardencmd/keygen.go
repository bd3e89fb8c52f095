package timewardencmd

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/timewarden/timewardend/keystore"
)

func runKeygen(keyfile string, id uint32, algo string, length int) error {
	if _, err := os.Stat(keyfile); os.IsNotExist(err) {
		f, err := os.OpenFile(keyfile, os.O_CREATE|os.O_WRONLY, 0o640)
		if err != nil {
			return fmt.Errorf("creating keyfile: %w", err)
		}
		f.Close()
	}

	store := keystore.New()
	if err := store.Load(keyfile); err != nil {
		return fmt.Errorf("loading keyfile: %w", err)
	}
	if err := store.GenerateAndAppendKey(id, algo, length); err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	fmt.Printf("added key %d (%s, %s) to %s\n", id, algo, humanize.Bytes(uint64(length)), keyfile)
	return nil
}
