// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package systrap

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"

	"github.com/tinydbg/udbg/pkg/udbg"
)

// discoverTasks lists every task (thread) id of pid from
// /proc/<pid>/task/*, used by Attach to ptrace-attach each discoverable
// task.
func discoverTasks(pid int32) ([]int32, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, udbg.NewError(udbg.KindSystem, err)
	}

	ids := make([]int32, 0, len(entries))
	for _, ent := range entries {
		tid, perr := strconv.Atoi(ent.Name())
		if perr != nil {
			continue
		}
		ids = append(ids, int32(tid))
	}
	if len(ids) == 0 {
		ids = append(ids, pid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// SnapshotMaps reads /proc/<pid>/maps into the MemoryPage data model,
// ordered by base address.
func SnapshotMaps(pid int32) ([]udbg.MemoryPage, error) {
	proc, err := procfs.NewProc(int(pid))
	if err != nil {
		return nil, udbg.NewError(udbg.KindSystem, err)
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, udbg.NewError(udbg.KindSystem, err)
	}

	pages := make([]udbg.MemoryPage, 0, len(maps))
	for _, m := range maps {
		pages = append(pages, udbg.MemoryPage{
			Base:    uintptr(m.StartAddr),
			Size:    uintptr(m.EndAddr - m.StartAddr),
			Protect: permsString(m),
			Type:    pageType(m),
			Usage:   pageUsage(m),
		})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].Base < pages[j].Base })
	return pages, nil
}

func permsString(m *procfs.ProcMap) string {
	perms := m.Perms
	s := []byte{'-', '-', '-', '-'}
	if perms.Read {
		s[0] = 'r'
	}
	if perms.Write {
		s[1] = 'w'
	}
	if perms.Execute {
		s[2] = 'x'
	}
	if perms.Shared {
		s[3] = 's'
	} else if perms.Private {
		s[3] = 'p'
	}
	return string(s)
}

func pageType(m *procfs.ProcMap) string {
	switch {
	case m.Pathname != "" && m.Pathname[0] != '[':
		return "image"
	case m.Perms.Private:
		return "private"
	default:
		return "map"
	}
}

func pageUsage(m *procfs.ProcMap) string {
	if m.Pathname != "" {
		return m.Pathname
	}
	return ""
}

// ThreadStat reads tid's last-seen scheduler stat (name, state, priority)
// from /proc/<tid>/stat via procfs.
func ThreadStat(tid int32) (udbg.ThreadStat, error) {
	proc, err := procfs.NewProc(int(tid))
	if err != nil {
		return udbg.ThreadStat{}, udbg.NewError(udbg.KindSystem, err)
	}
	st, err := proc.Stat()
	if err != nil {
		return udbg.ThreadStat{}, udbg.NewError(udbg.KindSystem, err)
	}
	var state byte
	if len(st.State) > 0 {
		state = st.State[0]
	}
	return udbg.ThreadStat{
		Name:     st.Comm,
		State:    state,
		Priority: int64(st.Priority),
	}, nil
}

// TaskBelongsTo reports whether tid's thread-group id (Tgid in
// /proc/<tid>/status) equals pid, used by the fetch phase to route a
// reporting tid to its owning target the first time that tid is seen
// (before it has been recorded in the target's own thread set,
// e.g. the very first stop of a thread discovered via a CLONE event).
func TaskBelongsTo(pid, tid int32) bool {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", tid))
	if err != nil {
		return false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "Tgid:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return false
		}
		tgid, err := strconv.Atoi(fields[1])
		if err != nil {
			return false
		}
		return int32(tgid) == pid
	}
	return false
}
