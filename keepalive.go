// keepalive.go

// Copyright (C) 2018  Steve Merrony

// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.

// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package pdrone

import (
	"errors"
	"log/slog"
	"time"
)

// keepAlive sends the keep-alive frame every period for as long as lnk is up,
// whatever else is being sent. The drone drops a link that stays quiet.
func (m *Manager) keepAlive(lnk *link) {
	defer lnk.wg.Done()

	ticker := time.NewTicker(m.cfg.KeepAlive.Period)
	defer ticker.Stop()

	for {
		select {
		case <-lnk.ctx.Done():
			return // we've disconnected
		case <-ticker.C:
			err := m.sendFrame(lnk.ctx, lnk, m.keepAliveFrame, sendKeepAlive)
			if err != nil && !errors.Is(err, ErrNotConnected) && lnk.ctx.Err() == nil {
				m.log.Warn("keep-alive send failed", slog.Any("error", err))
			}
		}
	}
}
