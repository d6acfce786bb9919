package fabric

// #cgo LDFLAGS: -libverbs
// #include <stdlib.h>
// #include <string.h>
// #include <infiniband/verbs.h>
//
// int post_recv_wr(struct ibv_qp *qp, uint64_t addr, uint32_t length, uint32_t lkey) {
//     struct ibv_sge sge;
//     struct ibv_recv_wr wr, *bad_wr = NULL;
//     memset(&sge, 0, sizeof(sge));
//     sge.addr = addr; sge.length = length; sge.lkey = lkey;
//     memset(&wr, 0, sizeof(wr));
//     wr.sg_list = &sge; wr.num_sge = 1; wr.wr_id = addr;
//     return ibv_post_recv(qp, &wr, &bad_wr);
// }
//
// int post_send_wr(struct ibv_qp *qp, uint64_t addr, uint32_t length, uint32_t lkey) {
//     struct ibv_sge sge;
//     struct ibv_send_wr wr, *bad_wr = NULL;
//     memset(&sge, 0, sizeof(sge));
//     sge.addr = addr; sge.length = length; sge.lkey = lkey;
//     memset(&wr, 0, sizeof(wr));
//     wr.sg_list = &sge; wr.num_sge = 1; wr.wr_id = addr;
//     wr.opcode = IBV_WR_SEND;
//     wr.send_flags = IBV_SEND_SIGNALED;
//     return ibv_post_send(qp, &wr, &bad_wr);
// }
import "C"

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"
	"unsafe"

	"github.com/rs/zerolog/log"
)

// CGOFabric opens a real RDMA-capable NIC via libibverbs and drives
// reliable-connected (RC) queue pairs. Generalized from the teacher's UD
// ping queues in rdma.go/queue.go/cq.go: same device-open, memory
// registration, and CQ-polling shape, retargeted at a connected transport
// with an out-of-band TCP handshake to exchange QP connection info in
// place of the UD address-handle-per-datagram model.
type CGOFabric struct {
	mu      sync.Mutex
	context *C.struct_ibv_context
	pd      *C.struct_ibv_pd
	device  string
	refs    int
}

// NewCGOFabric opens deviceName, or the first RDMA device found if
// deviceName is empty.
func NewCGOFabric(deviceName string) *CGOFabric {
	return &CGOFabric{device: deviceName}
}

func (f *CGOFabric) DeviceInit(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.context != nil {
		f.refs++
		return nil
	}

	var numDevices C.int
	list := C.ibv_get_device_list(&numDevices)
	if list == nil || numDevices == 0 {
		return fmt.Errorf("cgofabric: no RDMA devices found")
	}
	defer C.ibv_free_device_list(list)

	devices := unsafe.Slice(list, int(numDevices))
	var chosen *C.struct_ibv_device
	for _, dev := range devices {
		name := C.GoString(C.ibv_get_device_name(dev))
		if f.device == "" || name == f.device {
			chosen = dev
			f.device = name
			break
		}
	}
	if chosen == nil {
		return fmt.Errorf("cgofabric: device %q not found", f.device)
	}

	ibvCtx := C.ibv_open_device(chosen)
	if ibvCtx == nil {
		return fmt.Errorf("cgofabric: ibv_open_device(%s) failed", f.device)
	}
	pd := C.ibv_alloc_pd(ibvCtx)
	if pd == nil {
		C.ibv_close_device(ibvCtx)
		return fmt.Errorf("cgofabric: ibv_alloc_pd failed")
	}

	f.context = ibvCtx
	f.pd = pd
	f.refs = 1
	log.Info().Str("device", f.device).Msg("cgofabric: device opened")
	return nil
}

func (f *CGOFabric) DeviceDestroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.context == nil {
		return nil
	}
	f.refs--
	if f.refs > 0 {
		return nil
	}
	C.ibv_dealloc_pd(f.pd)
	C.ibv_close_device(f.context)
	f.context = nil
	f.pd = nil
	return nil
}

// qpConnInfo is exchanged over a plain TCP handshake to bring both sides'
// RC queue pairs from INIT to RTR/RTS, replacing the UD address handle
// the teacher's ping path uses per outgoing datagram.
type qpConnInfo struct {
	QPN uint32
	PSN uint32
	LID uint16
	GID [16]byte
}

func (c qpConnInfo) marshal() []byte {
	buf := make([]byte, 4+4+2+16)
	binary.BigEndian.PutUint32(buf[0:], c.QPN)
	binary.BigEndian.PutUint32(buf[4:], c.PSN)
	binary.BigEndian.PutUint16(buf[8:], c.LID)
	copy(buf[10:], c.GID[:])
	return buf
}

func unmarshalQPConnInfo(buf []byte) qpConnInfo {
	var c qpConnInfo
	c.QPN = binary.BigEndian.Uint32(buf[0:])
	c.PSN = binary.BigEndian.Uint32(buf[4:])
	c.LID = binary.BigEndian.Uint16(buf[8:])
	copy(c.GID[:], buf[10:])
	return c
}

func (f *CGOFabric) EndpointInit(ctx context.Context, cfg EndpointConfig) (Endpoint, error) {
	f.mu.Lock()
	pd, ibvCtx := f.pd, f.context
	f.mu.Unlock()
	if ibvCtx == nil {
		return nil, fmt.Errorf("cgofabric: device not initialized")
	}

	depth := C.uint32_t(cfg.QueueDepth)
	if depth == 0 {
		depth = 32
	}

	cq := C.ibv_create_cq(ibvCtx, C.int(depth*4), nil, nil, 0)
	if cq == nil {
		return nil, fmt.Errorf("cgofabric: ibv_create_cq failed")
	}

	var qpInit C.struct_ibv_qp_init_attr
	qpInit.send_cq = cq
	qpInit.recv_cq = cq
	qpInit.qp_type = C.IBV_QPT_RC
	qpInit.cap.max_send_wr = depth
	qpInit.cap.max_recv_wr = depth
	qpInit.cap.max_send_sge = 1
	qpInit.cap.max_recv_sge = 1

	qp := C.ibv_create_qp(pd, &qpInit)
	if qp == nil {
		C.ibv_destroy_cq(cq)
		return nil, fmt.Errorf("cgofabric: ibv_create_qp failed")
	}

	var portAttr C.struct_ibv_port_attr
	C.ibv_query_port(ibvCtx, 1, &portAttr)
	var gid C.union_ibv_gid
	C.ibv_query_gid(ibvCtx, 1, 0, &gid)

	local := qpConnInfo{
		QPN: uint32(qp.qp_num),
		PSN: 0,
		LID: uint16(portAttr.lid),
	}
	C.memcpy(unsafe.Pointer(&local.GID[0]), unsafe.Pointer(&gid), 16)

	if err := modifyQPToInit(qp); err != nil {
		C.ibv_destroy_qp(qp)
		C.ibv_destroy_cq(cq)
		return nil, err
	}

	remote, err := exchangeQPConnInfo(ctx, cfg, local)
	if err != nil {
		C.ibv_destroy_qp(qp)
		C.ibv_destroy_cq(cq)
		return nil, fmt.Errorf("cgofabric: connection handshake: %w", err)
	}

	if err := modifyQPToRTR(qp, remote); err != nil {
		C.ibv_destroy_qp(qp)
		C.ibv_destroy_cq(cq)
		return nil, err
	}
	if err := modifyQPToRTS(qp, local.PSN); err != nil {
		C.ibv_destroy_qp(qp)
		C.ibv_destroy_cq(cq)
		return nil, err
	}

	return &cgoEndpoint{qp: qp, cq: cq, pd: pd}, nil
}

func modifyQPToInit(qp *C.struct_ibv_qp) error {
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_INIT
	attr.pkey_index = 0
	attr.port_num = 1
	attr.qp_access_flags = C.IBV_ACCESS_LOCAL_WRITE | C.IBV_ACCESS_REMOTE_WRITE | C.IBV_ACCESS_REMOTE_READ
	mask := C.IBV_QP_STATE | C.IBV_QP_PKEY_INDEX | C.IBV_QP_PORT | C.IBV_QP_ACCESS_FLAGS
	if ret := C.ibv_modify_qp(qp, &attr, C.int(mask)); ret != 0 {
		return fmt.Errorf("cgofabric: modify QP to INIT failed: %d", ret)
	}
	return nil
}

func modifyQPToRTR(qp *C.struct_ibv_qp, remote qpConnInfo) error {
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_RTR
	attr.path_mtu = C.IBV_MTU_1024
	attr.dest_qp_num = C.uint32_t(remote.QPN)
	attr.rq_psn = C.uint32_t(remote.PSN)
	attr.max_dest_rd_atomic = 1
	attr.min_rnr_timer = 12
	attr.ah_attr.dlid = C.uint16_t(remote.LID)
	attr.ah_attr.sl = 0
	attr.ah_attr.src_path_bits = 0
	attr.ah_attr.port_num = 1
	attr.ah_attr.is_global = 1
	attr.ah_attr.grh.sgid_index = 0
	attr.ah_attr.grh.hop_limit = 1
	C.memcpy(unsafe.Pointer(&attr.ah_attr.grh.dgid), unsafe.Pointer(&remote.GID[0]), 16)

	mask := C.IBV_QP_STATE | C.IBV_QP_AV | C.IBV_QP_PATH_MTU | C.IBV_QP_DEST_QPN |
		C.IBV_QP_RQ_PSN | C.IBV_QP_MAX_DEST_RD_ATOMIC | C.IBV_QP_MIN_RNR_TIMER
	if ret := C.ibv_modify_qp(qp, &attr, C.int(mask)); ret != 0 {
		return fmt.Errorf("cgofabric: modify QP to RTR failed: %d", ret)
	}
	return nil
}

func modifyQPToRTS(qp *C.struct_ibv_qp, localPSN uint32) error {
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_RTS
	attr.timeout = 14
	attr.retry_cnt = 7
	attr.rnr_retry = 7
	attr.sq_psn = C.uint32_t(localPSN)
	attr.max_rd_atomic = 1
	mask := C.IBV_QP_STATE | C.IBV_QP_TIMEOUT | C.IBV_QP_RETRY_CNT | C.IBV_QP_RNR_RETRY |
		C.IBV_QP_SQ_PSN | C.IBV_QP_MAX_QP_RD_ATOMIC
	if ret := C.ibv_modify_qp(qp, &attr, C.int(mask)); ret != 0 {
		return fmt.Errorf("cgofabric: modify QP to RTS failed: %d", ret)
	}
	return nil
}

// exchangeQPConnInfo is a bare TCP rendezvous: whichever side has the
// numerically lower local port listens, the other dials. Sufficient for
// bringing up one RC QP pair per connection; not a general connection
// manager.
func exchangeQPConnInfo(ctx context.Context, cfg EndpointConfig, local qpConnInfo) (qpConnInfo, error) {
	if cfg.LocalPort < cfg.RemotePort {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.LocalIP, cfg.LocalPort))
		if err != nil {
			return qpConnInfo{}, err
		}
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return qpConnInfo{}, err
		}
		defer conn.Close()
		return handshake(conn, local)
	}

	var conn net.Conn
	var err error
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("tcp", fmt.Sprintf("%s:%d", cfg.RemoteIP, cfg.RemotePort))
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return qpConnInfo{}, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	if err != nil {
		return qpConnInfo{}, err
	}
	defer conn.Close()
	return handshake(conn, local)
}

func handshake(conn net.Conn, local qpConnInfo) (qpConnInfo, error) {
	if _, err := conn.Write(local.marshal()); err != nil {
		return qpConnInfo{}, err
	}
	buf := make([]byte, 26)
	if _, err := readFull(conn, buf); err != nil {
		return qpConnInfo{}, err
	}
	return unmarshalQPConnInfo(buf), nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

type cgoMemoryRegion struct{ mr *C.struct_ibv_mr }

func (r *cgoMemoryRegion) LocalKey() uint32 { return uint32(r.mr.lkey) }

type cgoEndpoint struct {
	mu sync.Mutex
	qp *C.struct_ibv_qp
	cq *C.struct_ibv_cq
	pd *C.struct_ibv_pd
}

func (e *cgoEndpoint) RegisterMemory(addr unsafe.Pointer, length uintptr) (MemoryRegion, error) {
	access := C.IBV_ACCESS_LOCAL_WRITE | C.IBV_ACCESS_REMOTE_WRITE | C.IBV_ACCESS_REMOTE_READ
	mr := C.ibv_reg_mr(e.pd, addr, C.size_t(length), C.int(access))
	if mr == nil {
		return nil, fmt.Errorf("cgofabric: ibv_reg_mr failed")
	}
	return &cgoMemoryRegion{mr: mr}, nil
}

func (e *cgoEndpoint) DeregisterMemory(region MemoryRegion) error {
	r, ok := region.(*cgoMemoryRegion)
	if !ok {
		return fmt.Errorf("cgofabric: foreign memory region")
	}
	if ret := C.ibv_dereg_mr(r.mr); ret != 0 {
		return fmt.Errorf("cgofabric: ibv_dereg_mr failed: %d", ret)
	}
	return nil
}

func (e *cgoEndpoint) PostRecv(addr unsafe.Pointer, capacity uint32, region MemoryRegion) error {
	r, ok := region.(*cgoMemoryRegion)
	if !ok {
		return fmt.Errorf("cgofabric: foreign memory region")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if ret := C.post_recv_wr(e.qp, C.uint64_t(uintptr(addr)), C.uint32_t(capacity), C.uint32_t(r.mr.lkey)); ret != 0 {
		return fmt.Errorf("cgofabric: ibv_post_recv failed: %d", ret)
	}
	return nil
}

func (e *cgoEndpoint) PostSend(addr unsafe.Pointer, length uint32, region MemoryRegion) error {
	r, ok := region.(*cgoMemoryRegion)
	if !ok {
		return fmt.Errorf("cgofabric: foreign memory region")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if ret := C.post_send_wr(e.qp, C.uint64_t(uintptr(addr)), C.uint32_t(length), C.uint32_t(r.mr.lkey)); ret != 0 {
		return fmt.Errorf("cgofabric: ibv_post_send failed: %d", ret)
	}
	return nil
}

func (e *cgoEndpoint) CQRead(ctx context.Context, max int) ([]Completion, error) {
	if max <= 0 {
		max = 1
	}
	wcs := make([]C.struct_ibv_wc, max)
	for {
		n := C.ibv_poll_cq(e.cq, C.int(max), &wcs[0])
		if n < 0 {
			return nil, fmt.Errorf("cgofabric: ibv_poll_cq failed")
		}
		if n > 0 {
			out := make([]Completion, 0, n)
			for i := 0; i < int(n); i++ {
				wc := wcs[i]
				c := Completion{Addr: unsafe.Pointer(uintptr(wc.wr_id)), Length: uint32(wc.byte_len)}
				if wc.opcode == C.IBV_WC_RECV {
					c.Kind = CompletionRecv
				} else {
					c.Kind = CompletionSend
				}
				if wc.status != C.IBV_WC_SUCCESS {
					c.Err = fmt.Errorf("cgofabric: work completion error status %d", wc.status)
				}
				out = append(out, c)
			}
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (e *cgoEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	C.ibv_destroy_qp(e.qp)
	C.ibv_destroy_cq(e.cq)
	return nil
}
