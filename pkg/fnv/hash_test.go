package fnv

import (
	"testing"

	"github.com/efficientgo/core/testutil"
)

func TestKey(t *testing.T) {
	// Reference values of FNV-1a 64.
	testutil.Equals(t, uint64(0xcbf29ce484222325), Key())
	testutil.Equals(t, uint64(0xcbf29ce484222325), Key(""))
	testutil.Equals(t, uint64(0xaf63dc4c8601ec8c), Key("a"))

	testutil.Equals(t, Key("Bearer abc"), Key("Bearer abc"))
	testutil.Assert(t, Key("Bearer abc") != Key("Bearer abd"), "expected distinct keys")
	testutil.Assert(t, Key("ab", "c") != Key("a", "bc"), "expected the separator to disambiguate parts")
}
