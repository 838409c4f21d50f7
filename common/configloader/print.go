package configloader

import (
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
)

// PrintConfig выводит конфиг в читаемом виде (stdout).
func PrintConfig(v interface{}) {
	Fprint(os.Stdout, v)
}

// Fprint пишет конфиг в w. Поля с тегом `json:"-"` (секреты) не выводятся.
func Fprint(w io.Writer, v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(w, "configloader: cannot render config: %v\n", err)
		return
	}
	fmt.Fprintf(w, "Loaded configuration:\n%s\n", b)
}
