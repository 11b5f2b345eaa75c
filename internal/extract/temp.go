package extract

import (
	"fmt"
	"os"
	"sync/atomic"
)

var tmpSeq atomic.Uint64

// tempArtifactPath is process-unique so concurrent payload validations
// cannot collide on the same scratch file.
func tempArtifactPath(base string) string {
	return fmt.Sprintf("%s.%d.%d.tmp", base, os.Getpid(), tmpSeq.Add(1))
}
