package ipcfg

import (
	"fmt"
	"os"
	"strings"

	"github.com/newtron-network/ifmgrd/pkg/util"
)

// ResolvEntry is one interface's contribution to resolv.conf.
type ResolvEntry struct {
	Iface string
	Lines []string
}

// WriteResolvConf renders entries to path atomically: a sibling .tmp
// file is written and renamed into place.
func WriteResolvConf(path string, entries []ResolvEntry) error {
	tmp := path + ".tmp"
	os.Remove(tmp)

	var sb strings.Builder
	for _, e := range entries {
		if len(e.Lines) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "# Interface %s\n", e.Iface)
		for _, line := range e.Lines {
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}

	if err := os.WriteFile(tmp, []byte(sb.String()), 0644); err != nil {
		util.Logger.WithError(err).Debugf("failed to open %s for writing", tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		util.Logger.WithError(err).Debugf("failed to replace %s", path)
		os.Remove(tmp)
		return err
	}
	return nil
}
