package runtime

import (
	"fmt"
	"strings"
)

const (
	// HostModuleName is the import module of the host result capability.
	// A guest calls HostModuleName.set_result(ptr, len) to hand back its
	// response buffer instead of printing it.
	HostModuleName = "wadoo"
	hostSetResult  = "set_result"

	wasiModuleName = "wasi_snapshot_preview1"
)

var wasiPreview1Functions = map[string]struct{}{}

func init() {
	for _, name := range strings.Fields(`
		args_get args_sizes_get environ_get environ_sizes_get
		clock_res_get clock_time_get
		fd_advise fd_allocate fd_close fd_datasync fd_fdstat_get
		fd_fdstat_set_flags fd_fdstat_set_rights fd_filestat_get
		fd_filestat_set_size fd_filestat_set_times fd_pread fd_prestat_get
		fd_prestat_dir_name fd_pwrite fd_read fd_readdir fd_renumber fd_seek
		fd_sync fd_tell fd_write
		path_create_directory path_filestat_get path_filestat_set_times
		path_link path_open path_readlink path_remove_directory path_rename
		path_symlink path_unlink_file
		poll_oneoff proc_exit proc_raise sched_yield random_get
		sock_accept sock_recv sock_send sock_shutdown`) {
		wasiPreview1Functions[name] = struct{}{}
	}
}

// LinkTable lists the host capabilities supplied to one instantiation. It is
// derived from what the artifact declares, so a module with no imports gets
// an empty table.
type LinkTable struct {
	WASI bool // wasi_snapshot_preview1
	Host bool // the wadoo result capability
}

// Empty reports whether the table links nothing.
func (l *LinkTable) Empty() bool {
	return !l.WASI && !l.Host
}

// NewLinkTable resolves a flat module's declared imports against the
// capabilities this host implements. Anything else fails with
// ErrImportUnsatisfied, before instantiation is attempted.
func NewLinkTable(imports []Import) (*LinkTable, error) {
	links := &LinkTable{}
	var missing []string
	for _, imp := range imports {
		switch {
		case imp.Module == wasiModuleName && imp.Kind == "func":
			if _, ok := wasiPreview1Functions[imp.Name]; !ok {
				missing = append(missing, imp.String())
				continue
			}
			links.WASI = true
		case imp.Module == HostModuleName && imp.Kind == "func" && imp.Name == hostSetResult:
			links.Host = true
		default:
			missing = append(missing, fmt.Sprintf("%s (%s)", imp, imp.Kind))
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrImportUnsatisfied, strings.Join(missing, ", "))
	}
	return links, nil
}

// checkComponentImports verifies a component only asks for WASI interfaces,
// which is all an external component runtime is configured to provide.
func checkComponentImports(imports []Import) error {
	var missing []string
	for _, imp := range imports {
		if !isWASIImport(imp) {
			missing = append(missing, imp.String())
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrImportUnsatisfied, strings.Join(missing, ", "))
	}
	return nil
}
