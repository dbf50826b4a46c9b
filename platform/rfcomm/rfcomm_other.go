//go:build !linux

package rfcomm

import "github.com/user/blelink/classic"

type Conn struct{ classic.Conn }

func FromFD(fd int, peer classic.Device) (*Conn, error) { return nil, ErrUnsupported }

type Socket struct{ classic.Socket }

func Dial(dev classic.Device, channel uint8) (*Socket, error) { return nil, ErrUnsupported }

type Listener struct{ classic.Listener }

func Listen(channel uint8) (*Listener, error) { return nil, ErrUnsupported }

func (l *Listener) Channel() uint8 { return 0 }
