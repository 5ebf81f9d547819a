package io

import (
	"io"

	"gitea.xscloud.ru/xscloud/eventrelay/pkg/common/errors"
)

// MultiCloser closes its closers in reverse order of registration, so resources
// opened later are released before the ones they depend on.
type MultiCloser interface {
	io.Closer
	AddCloser(closer io.Closer)
}

func NewMultiCloser() MultiCloser {
	return &multiCloser{}
}

type multiCloser struct {
	closers []io.Closer
}

func (m *multiCloser) Close() error {
	var err error
	for i := len(m.closers) - 1; i >= 0; i-- {
		err = errors.Join(err, m.closers[i].Close())
	}
	m.closers = nil
	return err
}

func (m *multiCloser) AddCloser(closer io.Closer) {
	m.closers = append(m.closers, closer)
}
