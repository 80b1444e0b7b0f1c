package output

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// readBufferSize is the temporary buffer size for reading from source pipe.
// 4KB aligns with typical pipe buffer sizes.
const readBufferSize = 4096

// Pump reads source until it is exhausted, passing every fragment first to
// persist and then to chunker, in the order fragments were read. The chunker
// is flushed once the source ends, whatever the reason. Pump closes source.
//
// Persisting is the caller's concern: persist can't stop the pump, since the
// stream has to be drained regardless so the process is never blocked on a
// full pipe. Pump returns nil when the source ends normally, i.e. EOF or the
// pipe was closed after a kill, and the read error otherwise.
func Pump(
	source io.ReadCloser,
	persist func(fragment []byte),
	chunker *Chunker,
) error {
	defer source.Close()

	buffer := make([]byte, readBufferSize)

	for {
		n, err := source.Read(buffer)
		if n > 0 {
			fragment := buffer[:n]

			if persist != nil {
				persist(fragment)
			}

			if chunker != nil {
				chunker.Write(fragment)
			}
		}

		if err != nil {
			if chunker != nil {
				chunker.Flush()
			}

			if isEndOfStream(err) {
				return nil
			}

			return fmt.Errorf("read output: %w", err)
		}
	}
}

// isEndOfStream reports whether err marks the normal end of a pipe: the
// writer closed it, or it was force-closed after the process was killed.
func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
