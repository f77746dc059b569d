package train

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
)

// WritePredictions writes the hypothesis and reference files for one
// evaluation pass, one "<id>\t<text>" line per example, in example order.
func WritePredictions(outputPath, goldPath string, ids []int, hyps, golds []string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := writeTabbed(outputPath, ids, hyps); err != nil {
		return err
	}
	return writeTabbed(goldPath, ids, golds)
}

func writeTabbed(path string, ids []int, texts []string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for i, id := range ids {
		if _, err := fmt.Fprintf(w, "%d\t%s\n", id, texts[i]); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", path, err)
	}
	return nil
}
