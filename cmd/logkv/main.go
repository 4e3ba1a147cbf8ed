package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kjk/logkv/backup"
	"github.com/kjk/logkv/kvstore"
	"github.com/kjk/logkv/log"
	"github.com/kjk/logkv/record"
	"github.com/tidwall/pretty"
)

var errNotFound = errors.New("not found")

const usage = `usage: logkv [flags] STORAGE_FILE <cmd> [args]

commands:
  get KEY             print the latest value of KEY
  scan KEY            print the first record of KEY, found by scanning the log
  insert KEY VALUE    append KEY = VALUE
  update KEY VALUE    same as insert
  delete KEY          append a tombstone for KEY
  dump                print all records in the log
  stats               print statistics about the log
  verify              check that the index matches the log
  reindex             rebuild the index from the log
  backup              upload the log and index to s3 (LOGKV_S3_* env variables)
  restore             download the log and index from s3

flags:
`

type options struct {
	indexPath   string
	verifyIndex bool
	sync        bool
	verbose     bool
	logDir      string

	path string
	cmd  string
	args []string
}

// number of arguments for each command
var cmdArgs = map[string]int{
	"get":     1,
	"scan":    1,
	"insert":  2,
	"update":  2,
	"delete":  1,
	"dump":    0,
	"stats":   0,
	"verify":  0,
	"reindex": 0,
	"backup":  0,
	"restore": 0,
}

func isMutating(cmd string) bool {
	switch cmd {
	case "insert", "update", "delete", "reindex":
		return true
	}
	return false
}

func parseArgs(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("logkv", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.indexPath, "index", "", "index snapshot file, updated after writes")
	fs.BoolVar(&opts.verifyIndex, "verify-index", false, "check index snapshot against the log when opening")
	fs.BoolVar(&opts.sync, "sync", false, "fsync after every write")
	fs.BoolVar(&opts.verbose, "v", false, "verbose logging")
	fs.StringVar(&opts.logDir, "log-dir", "", "directory for log files")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	rest := fs.Args()
	if len(rest) < 2 {
		fs.Usage()
		return nil, errors.New("need STORAGE_FILE and command")
	}
	opts.path = rest[0]
	opts.cmd = rest[1]
	opts.args = rest[2:]
	n, ok := cmdArgs[opts.cmd]
	if !ok {
		fs.Usage()
		return nil, fmt.Errorf("unknown command '%s'", opts.cmd)
	}
	if len(opts.args) != n {
		return nil, fmt.Errorf("'%s' needs %d argument(s), got %d", opts.cmd, n, len(opts.args))
	}
	return opts, nil
}

func openStore(opts *options) (*kvstore.Store, error) {
	config := &kvstore.Config{
		Path:        opts.path,
		IndexPath:   opts.indexPath,
		SyncWrite:   opts.sync,
		VerifyIndex: opts.verifyIndex,
	}
	return kvstore.Open(config)
}

func printRecord(w io.Writer, e *kvstore.Entry) {
	if e.Record.IsTombstone() {
		fmt.Fprintf(w, "%d\t%q\t(deleted)\n", e.Offset, e.Record.Key)
		return
	}
	fmt.Fprintf(w, "%d\t%q\t%q\n", e.Offset, e.Record.Key, e.Record.Value)
}

func printStats(w io.Writer, st *kvstore.Stats) error {
	v := map[string]any{
		"records":    st.Records,
		"tombstones": st.Tombstones,
		"keys":       st.Keys,
		"logSize":    st.LogSize,
		"liveSize":   st.LiveSize,
		"logSizeH":   humanize.Bytes(uint64(st.LogSize)),
		"liveSizeH":  humanize.Bytes(uint64(st.LiveSize)),
	}
	d, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(pretty.Pretty(d))
	return err
}

func runStoreCmd(s *kvstore.Store, opts *options, w io.Writer) error {
	args := opts.args
	switch opts.cmd {
	case "get":
		v, ok, err := s.Find([]byte(args[0]))
		if err != nil {
			return err
		}
		if !ok {
			return errNotFound
		}
		fmt.Fprintf(w, "%s\n", v)
	case "scan":
		e, err := s.FindByScan([]byte(args[0]))
		if err != nil {
			return err
		}
		if e == nil {
			return errNotFound
		}
		printRecord(w, e)
	case "insert":
		return s.Insert([]byte(args[0]), []byte(args[1]))
	case "update":
		return s.Update([]byte(args[0]), []byte(args[1]))
	case "delete":
		existed, err := s.Delete([]byte(args[0]))
		if err != nil {
			return err
		}
		if !existed {
			fmt.Fprintf(w, "key %q didn't exist\n", args[0])
		}
	case "dump":
		seq, errFn := s.Records()
		n := 0
		for off, rec := range seq {
			printRecord(w, &kvstore.Entry{Offset: off, Record: rec})
			n++
		}
		if err := errFn(); err != nil {
			return err
		}
		log.Verbosef("dumped %d records\n", n)
	case "stats":
		st, err := s.Stats()
		if err != nil {
			return err
		}
		return printStats(w, st)
	case "verify":
		if err := s.Verify(); err != nil {
			return err
		}
		fmt.Fprintf(w, "ok, %d keys\n", s.Index().Len())
	case "reindex":
		if err := s.Load(); err != nil {
			return err
		}
		fmt.Fprintf(w, "%d keys\n", s.Index().Len())
	default:
		return fmt.Errorf("unknown command '%s'", opts.cmd)
	}
	return nil
}

func runBackup(opts *options, w io.Writer) error {
	config := backup.ConfigFromEnv()
	if err := config.Validate(); err != nil {
		return err
	}
	if opts.cmd == "backup" && opts.indexPath != "" {
		// upload a snapshot that matches the log
		s, err := openStore(opts)
		if err != nil {
			return err
		}
		err = s.SaveIndex(opts.indexPath)
		errClose := s.Close()
		if err != nil {
			return err
		}
		if errClose != nil {
			return errClose
		}
	}
	c, err := backup.New(config)
	if err != nil {
		return err
	}
	if opts.cmd == "backup" {
		err = c.Upload(opts.path, opts.indexPath)
	} else {
		err = c.Download(opts.path, opts.indexPath)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s of '%s' done\n", opts.cmd, opts.path)
	return nil
}

func runCmd(opts *options, w io.Writer) (err error) {
	if opts.cmd == "backup" || opts.cmd == "restore" {
		return runBackup(opts, w)
	}
	s, err := openStore(opts)
	if err != nil {
		return err
	}
	defer func() {
		errClose := s.Close()
		if err == nil {
			err = errClose
		}
	}()
	if err = runStoreCmd(s, opts, w); err != nil {
		return err
	}
	if opts.indexPath != "" && isMutating(opts.cmd) {
		return s.SaveIndex(opts.indexPath)
	}
	return nil
}

func run(args []string, stdout io.Writer, stderr io.Writer) error {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		return err
	}
	log.Verbose = opts.verbose
	if opts.logDir != "" {
		log.Init(&log.Config{Dir: opts.logDir})
		defer log.Close()
	}

	timeStart := time.Now()
	err = runCmd(opts, stdout)
	vals := []any{"cmd", opts.cmd, "path", opts.path}
	if len(opts.args) > 0 {
		vals = append(vals, "key", opts.args[0])
	}
	if err != nil {
		vals = append(vals, "error", err.Error())
	}
	log.EventWithDuration("logkv", time.Since(timeStart), vals...)
	return err
}

// corruptionHint explains a bad frame error. Only an incomplete frame at the
// end of the log can be fixed by truncating: a bad frame in the middle is
// followed by valid data.
func corruptionHint(err error) string {
	off, ok := kvstore.CorruptOffset(err)
	if !ok {
		return ""
	}
	if errors.Is(err, record.ErrTruncatedTail) {
		return fmt.Sprintf("log ends with an incomplete record at offset %d, truncate the file to that size to recover", off)
	}
	return fmt.Sprintf("log has a corrupted record at offset %d", off)
}

func main() {
	err := run(os.Args[1:], os.Stdout, os.Stderr)
	if err == nil {
		return
	}
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if errors.Is(err, errNotFound) {
		fmt.Fprintln(os.Stderr, "not found")
		os.Exit(1)
	}
	if hint := corruptionHint(err); hint != "" {
		fmt.Fprintln(os.Stderr, hint)
	}
	log.Errorf("error: %s\n", strings.TrimSpace(err.Error()))
	os.Exit(1)
}
