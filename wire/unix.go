// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wire

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// maxRecvHandles bounds the number of descriptors accepted per message.
// The surface protocol never transfers more than two handles per message
// (front and back allocations travel separately), so this is generous.
const maxRecvHandles = 16

// Send transmits one message over a Unix domain socket: payload as the byte
// stream, handles attached as a single SCM_RIGHTS control message.
//
// Send consumes the handles: the kernel installs duplicates in the receiving
// process at send time, so the local descriptors are closed before Send
// returns, whether or not the write succeeded. Callers re-encode to retry.
func Send(conn *net.UnixConn, payload []byte, handles []Handle) error {
	fds := make([]int, 0, len(handles))
	for i := range handles {
		if handles[i].Valid() {
			fds = append(fds, handles[i].FD())
		}
	}
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	_, _, err := conn.WriteMsgUnix(payload, oob, nil)

	for i := range handles {
		handles[i].Close()
	}

	if err != nil {
		return fmt.Errorf("wire: send: %w", err)
	}
	return nil
}

// Recv receives one message from a Unix domain socket into buf, returning
// the payload length and any transferred handles. The caller owns the
// returned handles and must eventually close each one.
//
// A truncated control message would silently drop descriptors mid-transfer,
// so it is treated as malformed input; any descriptors that did arrive are
// closed before the error is returned.
func Recv(conn *net.UnixConn, buf []byte) (int, []Handle, error) {
	oob := make([]byte, unix.CmsgSpace(maxRecvHandles*4))
	n, oobn, flags, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return 0, nil, fmt.Errorf("wire: recv: %w", err)
	}

	var handles []Handle
	if oobn > 0 {
		msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return 0, nil, fmt.Errorf("%w: control message (%v)", ErrMalformed, err)
		}
		for _, msg := range msgs {
			fds, err := unix.ParseUnixRights(&msg)
			if err != nil {
				closeAll(handles)
				return 0, nil, fmt.Errorf("%w: rights message (%v)", ErrMalformed, err)
			}
			for _, fd := range fds {
				unix.CloseOnExec(fd)
				handles = append(handles, NewHandle(fd))
			}
		}
	}

	if flags&unix.MSG_CTRUNC != 0 {
		closeAll(handles)
		return 0, nil, fmt.Errorf("%w: truncated control message", ErrMalformed)
	}

	return n, handles, nil
}

func closeAll(handles []Handle) {
	for i := range handles {
		handles[i].Close()
	}
}
