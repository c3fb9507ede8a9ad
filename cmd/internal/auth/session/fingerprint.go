package session

import (
	"net"

	"vitalis/cmd/security/token"
)

// CreateSessionFingerprint binds a user agent and client IP to the server secret.
func (s *Service) CreateSessionFingerprint(userAgent string, ip net.IP) string {
	return token.CreateHMAC(fingerprintInput(userAgent, ip), s.cfg.Secret)
}

// ValidateSessionFingerprint reports whether sess was issued to the same user agent and IP.
// Sessions recorded without a fingerprint always validate.
func (s *Service) ValidateSessionFingerprint(sess Session, userAgent string, ip net.IP) bool {
	if sess.Fingerprint == "" {
		return true
	}
	return token.VerifyHMAC(fingerprintInput(userAgent, ip), sess.Fingerprint, s.cfg.Secret)
}

// fingerprintOK applies the check only when enforcement is switched on.
func (s *Service) fingerprintOK(sess Session, dev DeviceContext) bool {
	if !s.cfg.EnforceFingerprint {
		return true
	}
	return s.ValidateSessionFingerprint(sess, dev.UserAgent, dev.IP)
}

func fingerprintInput(userAgent string, ip net.IP) string {
	var ipStr string
	if ip != nil {
		ipStr = ip.String()
	}
	return userAgent + "\x00" + ipStr
}
