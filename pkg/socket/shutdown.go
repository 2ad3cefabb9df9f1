package socket

import (
	"github.com/hydravpn/polysock/pkg/logging"
)

// IsSSL reports whether s holds a TLS-wrapped variant.
func IsSSL(s *Socket) bool {
	return s.Type().Secure()
}

// IsUTP reports whether s holds a reliable-UDP variant, plain or secure.
func IsUTP(s *Socket) bool {
	t := s.Type()
	return t == TypeUTP || t == TypeSSLUTP
}

// IsI2P reports whether s holds an I2P variant, plain or secure. It is
// always false in builds without I2P.
func IsI2P(s *Socket) bool {
	t := s.Type()
	return (t == TypeI2P || t == TypeSSLI2P) && t.Supported()
}

// SetupSSLHostname prepares a secure variant to connect to hostname: the
// server-name callback of its SSLContext is cleared, the peer certificate
// will be verified against hostname, and hostname is sent as SNI. It does
// nothing for plain variants.
func SetupSSLHostname(s *Socket, hostname string) error {
	sec, ok := As[SecureStream](s)
	if !ok {
		return nil
	}
	// The context is shared; a server callback left on it would answer our
	// own client hellos.
	sec.Context().SetServerNameCallback(nil)
	return sec.SetHostname(hostname)
}

// AsyncShutdown closes s gracefully. Plain variants are closed at once.
// Secure variants first send close_notify, then issue a zero-length write
// queued behind it; the write's completion hard-closes the stream. holder
// is retained once per pending completion and released as each runs.
//
// handler, if not nil, runs on the IOContext with the error of the final
// close. Shutting down a socket that is already closed reports that error
// and has no other effect.
func AsyncShutdown(s *Socket, holder *Holder, handler func(error)) {
	log := logging.WithContextFields(logging.LogFields{"type": s.TypeName()})
	ioc := s.IOContext()
	report := func(err error) {
		if err != nil {
			log.WithError(err).Debug("close failed")
		}
		if handler != nil {
			handler(err)
		}
	}

	st, err := s.active()
	if err != nil {
		if handler != nil {
			ioc.Post(func() { handler(err) })
		}
		return
	}
	sec, ok := st.(SecureStream)
	if !ok {
		err := st.Close()
		ioc.Post(func() { report(err) })
		return
	}

	holder.Retain()
	shutdownDone := ioc.Start()
	sec.Outbound(func() {
		err := sec.Shutdown()
		shutdownDone(func() {
			if err != nil {
				log.WithError(err).Debug("close_notify failed")
			}
			holder.Release()
		})
	})

	holder.Retain()
	writeDone := ioc.Start()
	sec.Outbound(func() {
		_, err := sec.Write(nil)
		writeDone(func() {
			if err != nil {
				log.WithError(err).Debug("write after close_notify failed")
			}
			report(sec.Close())
			holder.Release()
		})
	})
}
