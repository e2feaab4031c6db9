// Command vmmd is the memory-access engine daemon: it attaches a
// transport.Device to a vmmcore.Context and exposes read/write/process
// operations over a hand-rolled gRPC service (a custom JSON codec, no
// protobuf codegen) and a parallel HTTP/JSON surface, with an optional
// periodic process-table refresh and an optional sqlite-backed audit
// trail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/memscan/vmm/internal/audit"
	"github.com/memscan/vmm/internal/refresh"
	"github.com/memscan/vmm/internal/transport"
	"github.com/memscan/vmm/internal/vmmcore"
)

var (
	flagImage     = flag.String("image", "", "path to a flat physical-memory image file (required unless -mem-size is set)")
	flagMemSize   = flag.Int64("mem-size", 0, "size in bytes of an in-memory synthetic device, for testing without a real image")
	flagReadOnly  = flag.Bool("readonly", true, "open the image read-only")
	flagHTTP      = flag.String("http", ":8080", "HTTP listen address (empty to disable)")
	flagGRPC      = flag.String("grpc", ":9090", "gRPC listen address (empty to disable)")
	flagAuditPath = flag.String("audit", "", "path to a sqlite audit database (empty disables audit logging)")
	flagRefresh   = flag.Duration("refresh-interval", 0, "process table refresh interval (0 disables periodic refresh)")
	flagRefreshCron = flag.String("refresh-cron", "", "CRON expression for process table refresh (overrides -refresh-interval)")
	flagVerbose   = flag.Bool("v", false, "verbose logging")
)

// readMemoryRequest/readMemoryResponse and their write/list counterparts
// are the wire types for both the gRPC JSON codec and the HTTP/JSON
// surface — the same request/response structs serve both transports,
// exactly as execRequest/queryRequest do in the teacher's server.
type readMemoryRequest struct {
	DTB    uint64 `json:"dtb"`
	VA     uint64 `json:"va"`
	Length int    `json:"length"`
	Flags  uint32 `json:"flags"`
}

type readMemoryResponse struct {
	Data  []byte `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type writeMemoryRequest struct {
	DTB   uint64 `json:"dtb"`
	VA    uint64 `json:"va"`
	Data  []byte `json:"data"`
	Flags uint32 `json:"flags"`
}

type writeMemoryResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type listProcessesRequest struct {
	ShowTerminated bool `json:"show_terminated"`
}

type processInfo struct {
	PID       uint32 `json:"pid"`
	ParentPID uint32 `json:"parent_pid"`
	Name      string `json:"name"`
	DTB       uint64 `json:"dtb"`
}

type listProcessesResponse struct {
	Processes []processInfo `json:"processes"`
	Error     string         `json:"error,omitempty"`
}

// gRPC JSON codec — the same trick as the teacher's jsonCodec: registered
// globally with encoding.RegisterCodec under the name "json", so no .proto
// file or protoc run is ever needed. The server does not force it; a
// client selects it with the "json" content-subtype.
type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)       { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error  { return json.Unmarshal(data, v) }

// VmmServer is the hand-rolled gRPC service interface, registered via a
// manually-built grpc.ServiceDesc rather than generated code.
type VmmServer interface {
	ReadMemory(context.Context, *readMemoryRequest) (*readMemoryResponse, error)
	WriteMemory(context.Context, *writeMemoryRequest) (*writeMemoryResponse, error)
	ListProcesses(context.Context, *listProcessesRequest) (*listProcessesResponse, error)
}

func registerVmmServer(s *grpc.Server, srv VmmServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "vmm.Vmm",
		HandlerType: (*VmmServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "ReadMemory", Handler: _Vmm_ReadMemory_Handler},
			{MethodName: "WriteMemory", Handler: _Vmm_WriteMemory_Handler},
			{MethodName: "ListProcesses", Handler: _Vmm_ListProcesses_Handler},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "vmm",
	}, srv)
}

func _Vmm_ReadMemory_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(readMemoryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VmmServer).ReadMemory(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vmm.Vmm/ReadMemory"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(VmmServer).ReadMemory(ctx, req.(*readMemoryRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Vmm_WriteMemory_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(writeMemoryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VmmServer).WriteMemory(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vmm.Vmm/WriteMemory"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(VmmServer).WriteMemory(ctx, req.(*writeMemoryRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Vmm_ListProcesses_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(listProcessesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VmmServer).ListProcesses(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vmm.Vmm/ListProcesses"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(VmmServer).ListProcesses(ctx, req.(*listProcessesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// server wires a vmmcore.Context to both transports plus the optional
// audit log.
type server struct {
	vmm   *vmmcore.Context
	audit *audit.Log
}

func (s *server) ReadMemory(ctx context.Context, req *readMemoryRequest) (*readMemoryResponse, error) {
	data, err := s.vmm.Read(ctx, req.DTB, req.VA, req.Length, vmmcore.Flags(req.Flags))
	s.recordAudit(ctx, audit.EventRead, req.VA, req.Length, err)
	if err != nil {
		return &readMemoryResponse{Error: err.Error()}, nil
	}
	return &readMemoryResponse{Data: data}, nil
}

func (s *server) WriteMemory(ctx context.Context, req *writeMemoryRequest) (*writeMemoryResponse, error) {
	err := s.vmm.Write(ctx, req.DTB, req.VA, req.Data, vmmcore.Flags(req.Flags))
	s.recordAudit(ctx, audit.EventWrite, req.VA, len(req.Data), err)
	if err != nil {
		return &writeMemoryResponse{Success: false, Error: err.Error()}, nil
	}
	return &writeMemoryResponse{Success: true}, nil
}

func (s *server) ListProcesses(ctx context.Context, req *listProcessesRequest) (*listProcessesResponse, error) {
	var flags vmmcore.Flags
	if req.ShowTerminated {
		flags |= vmmcore.FlagProcessShowTerminated
	}
	pids := s.vmm.Processes().ListPIDs(flags)
	out := make([]processInfo, 0, len(pids))
	for _, pid := range pids {
		p, err := s.vmm.Processes().Get(pid)
		if err != nil {
			continue
		}
		out = append(out, processInfo{PID: p.PID, ParentPID: p.ParentPID, Name: p.Name, DTB: p.DTB})
		p.Decref()
	}
	return &listProcessesResponse{Processes: out}, nil
}

func (s *server) recordAudit(ctx context.Context, kind audit.EventKind, addr uint64, length int, err error) {
	if s.audit == nil {
		return
	}
	ev := audit.Event{Kind: kind, SessionID: s.vmm.SessionID.String(), Addr: addr, Length: length}
	if err != nil {
		ev.Err = err.Error()
	}
	if aerr := s.audit.Record(ctx, ev); aerr != nil {
		log.Printf("vmmd: audit record failed: %v", aerr)
	}
}

// HTTP handlers — the same request/response structs as the gRPC surface,
// decoded straight off the wire the way handleExec/handleQuery do.
func (s *server) handleRead(w http.ResponseWriter, r *http.Request) {
	var req readMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	resp, _ := s.ReadMemory(r.Context(), &req)
	writeJSON(w, resp)
}

func (s *server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req writeMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	resp, _ := s.WriteMemory(r.Context(), &req)
	writeJSON(w, resp)
}

func (s *server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	var req listProcessesRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	resp, _ := s.ListProcesses(r.Context(), &req)
	writeJSON(w, resp)
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.vmm.Stats().Snapshot()
	writeJSON(w, map[string]any{
		"ok":         true,
		"time":       time.Now().Format(time.RFC3339),
		"session_id": s.vmm.SessionID.String(),
		"device":     s.vmm.Device().Info(),
		"stats":      stats,
		"processes":  len(s.vmm.Processes().ListPIDs(0)),
		"generation": s.vmm.Processes().Generation(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// staticEnumerator is a minimal refresh.Enumerator that simply reports the
// process table's own current contents back to it — a no-op refresh
// cycle for a flat-image device that has no process list of its own to
// walk. A live-target build would replace this with a MemoryModel-backed
// enumerator that walks the OS process list.
type staticEnumerator struct {
	vmm *vmmcore.Context
}

func (e *staticEnumerator) Enumerate(ctx context.Context) ([]refresh.ProcessInfo, error) {
	pids := e.vmm.Processes().ListPIDs(vmmcore.FlagProcessShowTerminated)
	out := make([]refresh.ProcessInfo, 0, len(pids))
	for _, pid := range pids {
		p, err := e.vmm.Processes().Get(pid)
		if err != nil {
			continue
		}
		out = append(out, refresh.ProcessInfo{PID: p.PID, ParentPID: p.ParentPID, DTB: p.DTB, Name: p.Name})
		p.Decref()
	}
	return out, nil
}

func main() {
	flag.Parse()

	var device transport.Device
	var err error
	switch {
	case *flagImage != "":
		device, err = transport.OpenFileDevice(*flagImage, *flagReadOnly)
		if err != nil {
			log.Fatalf("vmmd: open image: %v", err)
		}
	case *flagMemSize > 0:
		device = transport.NewMemDevice("synthetic", make([]byte, *flagMemSize))
	default:
		log.Fatal("vmmd: one of -image or -mem-size is required")
	}

	vmm := vmmcore.New(device, vmmcore.IdentityModel{}, vmmcore.DefaultConfig())
	defer vmm.Close()

	srv := &server{vmm: vmm}

	if *flagAuditPath != "" {
		a, err := audit.Open(*flagAuditPath)
		if err != nil {
			log.Fatalf("vmmd: open audit log: %v", err)
		}
		defer a.Close()
		srv.audit = a
	}

	if *flagRefresh > 0 || *flagRefreshCron != "" {
		sched := refresh.NewScheduler(vmm.Processes(), &staticEnumerator{vmm: vmm}, refresh.Config{
			CronExpr: *flagRefreshCron,
			Interval: *flagRefresh,
		})
		if err := sched.Start(); err != nil {
			log.Fatalf("vmmd: start refresh scheduler: %v", err)
		}
		defer sched.Stop()
	}

	encoding.RegisterCodec(jsonCodec{})

	var grpcErr error
	if *flagGRPC != "" {
		go func() {
			lis, err := net.Listen("tcp", *flagGRPC)
			if err != nil {
				log.Printf("vmmd: gRPC listen error: %v", err)
				grpcErr = err
				return
			}
			gs := grpc.NewServer()
			registerVmmServer(gs, srv)
			log.Printf("vmmd: gRPC listening on %s", *flagGRPC)
			if err := gs.Serve(lis); err != nil {
				log.Printf("vmmd: gRPC serve error: %v", err)
				grpcErr = err
			}
		}()
	}

	if *flagHTTP != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/read", srv.handleRead)
		mux.HandleFunc("/api/write", srv.handleWrite)
		mux.HandleFunc("/api/processes", srv.handleListProcesses)
		mux.HandleFunc("/api/status", srv.handleStatus)
		log.Printf("vmmd: HTTP listening on %s", *flagHTTP)
		if err := http.ListenAndServe(*flagHTTP, mux); err != nil {
			log.Printf("vmmd: HTTP serve error: %v", err)
			if grpcErr != nil {
				log.Fatal("vmmd: both transports failed")
			}
		}
	} else {
		select {}
	}
}
