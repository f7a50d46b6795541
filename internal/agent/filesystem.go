package agent

import (
	"encoding/base64"
	"os"
	"path/filepath"

	"github.com/fcsandbox/fcsandbox/internal/guestrpc"
	"golang.org/x/sys/unix"
)

// Filesystem handlers. Paths are taken as-is: callers pass absolute guest
// paths, and content always crosses the boundary base64-encoded on reads.

func fail(err error) *guestrpc.Response {
	return &guestrpc.Response{Success: false, Error: err.Error()}
}

func (s *Server) handleReadFile(req *guestrpc.Request) *guestrpc.Response {
	if req.Path == "" {
		return &guestrpc.Response{Success: false, Error: "path is required"}
	}
	data, err := os.ReadFile(req.Path)
	if err != nil {
		return fail(err)
	}
	return &guestrpc.Response{
		Success: true,
		Content: base64.StdEncoding.EncodeToString(data),
	}
}

func (s *Server) handleWriteFile(req *guestrpc.Request) *guestrpc.Response {
	if req.Path == "" {
		return &guestrpc.Response{Success: false, Error: "path is required"}
	}
	data := []byte(req.Content)
	if req.IsBase64 {
		decoded, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			return fail(err)
		}
		data = decoded
	}
	if err := os.MkdirAll(filepath.Dir(req.Path), 0o755); err != nil {
		return fail(err)
	}
	if err := os.WriteFile(req.Path, data, 0o644); err != nil {
		return fail(err)
	}
	return &guestrpc.Response{Success: true}
}

func (s *Server) handleListFiles(req *guestrpc.Request) *guestrpc.Response {
	path := req.Path
	if path == "" {
		path = s.workspaceDir
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return fail(err)
	}
	result := make([]guestrpc.Entry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		result = append(result, guestrpc.Entry{
			Name:  e.Name(),
			IsDir: e.IsDir(),
			Size:  info.Size(),
		})
	}
	return &guestrpc.Response{Success: true, Entries: result}
}

func (s *Server) handleMkdir(req *guestrpc.Request) *guestrpc.Response {
	if req.Path == "" {
		return &guestrpc.Response{Success: false, Error: "path is required"}
	}
	var err error
	if req.Parents {
		err = os.MkdirAll(req.Path, 0o755)
	} else {
		err = os.Mkdir(req.Path, 0o755)
	}
	if err != nil {
		return fail(err)
	}
	return &guestrpc.Response{Success: true}
}

func (s *Server) handleStat(req *guestrpc.Request) *guestrpc.Response {
	if req.Path == "" {
		return &guestrpc.Response{Success: false, Error: "path is required"}
	}
	exists := true
	info, err := os.Stat(req.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fail(err)
		}
		exists = false
	}
	resp := &guestrpc.Response{Success: true, Exists: &exists}
	if exists {
		resp.IsDir = info.IsDir()
		resp.Size = info.Size()
		resp.Mtime = info.ModTime().Unix()
	}
	return resp
}

func (s *Server) handleDeleteFile(req *guestrpc.Request) *guestrpc.Response {
	if req.Path == "" {
		return &guestrpc.Response{Success: false, Error: "path is required"}
	}
	var err error
	if req.Recursive {
		err = os.RemoveAll(req.Path)
	} else {
		err = os.Remove(req.Path)
	}
	if err != nil {
		return fail(err)
	}
	return &guestrpc.Response{Success: true}
}

// handleSyncFS flushes dirty pages to the virtio drives. The host calls it
// right before pausing for a snapshot.
func (s *Server) handleSyncFS(req *guestrpc.Request) *guestrpc.Response {
	unix.Sync()
	return &guestrpc.Response{Success: true}
}
