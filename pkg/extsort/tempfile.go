package extsort

import (
	"bufio"
	"os"

	"github.com/ep-silk/flowcore/pkg/flowfile"
	"github.com/ep-silk/flowcore/pkg/flowrec"
	"github.com/ep-silk/flowcore/pkg/sidecar"
	"github.com/ep-silk/flowcore/pkg/silkerr"
	"github.com/ep-silk/flowcore/pkg/valuestore"
)

// writeRecord and readRecord delegate to pkg/flowfile's record codec, so
// a sort's temp-file runs and its final output share exactly the record
// wire format flow files use on disk — there is only one FlowRec codec
// in the module.
func writeRecord(w *bufio.Writer, schema *sidecar.Schema, r *flowrec.FlowRec) error {
	return flowfile.WriteRecord(w, schema, r)
}

func readRecord(r *bufio.Reader, schema *sidecar.Schema, store *valuestore.Store) (*flowrec.FlowRec, error) {
	return flowfile.ReadRecord(r, schema, store)
}

// run is one sorted temp file: the backing *os.File plus a buffered
// reader positioned to yield records in order via next.
type run struct {
	file *os.File
	br   *bufio.Reader
}

func createRun(dir string) (*os.File, *bufio.Writer, error) {
	f, err := os.CreateTemp(dir, "flowcore-sort-*.tmp")
	if err != nil {
		return nil, nil, silkerr.Wrap(silkerr.NoSpace, "creating sort temp file", err)
	}
	return f, bufio.NewWriter(f), nil
}

func (rn *run) next(schema *sidecar.Schema, store *valuestore.Store) (*flowrec.FlowRec, error) {
	return readRecord(rn.br, schema, store)
}

func (rn *run) close() error {
	path := rn.file.Name()
	cerr := rn.file.Close()
	rerr := os.Remove(path)
	if cerr != nil {
		return cerr
	}
	return rerr
}
