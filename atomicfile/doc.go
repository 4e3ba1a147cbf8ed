/*
Package atomicfile writes files so that readers see either the old content
or the complete new content, never a partially written file.

Data is written to a temporary file in the destination directory. Close()
syncs it and renames it over the destination. If any Write() failed, or the
write was abandoned with RemoveIfNotClosed(), the temporary file is removed
and the destination is left untouched.

	func writeSnapshot(path string, d []byte) error {
		f, err := atomicfile.New(path)
		if err != nil {
			return err
		}
		// Close() after Close() is a no-op
		defer f.RemoveIfNotClosed()
		if _, err = f.Write(d); err != nil {
			return err
		}
		return f.Close()
	}

The same thing is available as WriteFile(path, d).
*/
package atomicfile
