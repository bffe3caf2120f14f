package protocol

import (
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/anypb"
)

// Rejection names why an inbound packet failed validation. The zero value
// means the packet was accepted.
type Rejection string

const (
	Accepted        Rejection = ""
	RejectModule    Rejection = "module_mismatch"
	RejectDecode    Rejection = "decode"
	RejectTypeURL   Rejection = "type_url"
	RejectPrefix    Rejection = "prefix"
	RejectNamespace Rejection = "namespace"
)

// ValidatePacket reports whether raw is an envelope addressed to localModule
// carrying a type from expectedNamespace. targetModule is compared before raw
// is decoded. It never returns an error.
func ValidatePacket(expectedNamespace, localModule, targetModule string, raw []byte) (*anypb.Any, bool) {
	a, reason := CheckPacket(expectedNamespace, localModule, targetModule, raw)
	return a, reason == Accepted
}

// CheckPacket is ValidatePacket with the rejection reason exposed for
// metrics and logs.
func CheckPacket(expectedNamespace, localModule, targetModule string, raw []byte) (*anypb.Any, Rejection) {
	if targetModule != localModule {
		log.Debug().Msgf("protocol.CheckPacket module mismatch local=%q target=%q", localModule, targetModule)
		return nil, RejectModule
	}
	a, err := DecodeAny(raw)
	if err != nil {
		log.Debug().Msgf("protocol.CheckPacket decode failed module=%q err=%v", localModule, err)
		return nil, RejectDecode
	}
	u, err := ParseTypeURL(a.GetTypeUrl())
	if err != nil {
		log.Debug().Msgf("protocol.CheckPacket bad type url=%q err=%v", a.GetTypeUrl(), err)
		return nil, RejectTypeURL
	}
	if u.Prefix != Prefix {
		log.Debug().Msgf("protocol.CheckPacket prefix mismatch got=%q want=%q", u.Prefix, Prefix)
		return nil, RejectPrefix
	}
	if u.Namespace != expectedNamespace {
		log.Debug().Msgf("protocol.CheckPacket namespace mismatch got=%q want=%q", u.Namespace, expectedNamespace)
		return nil, RejectNamespace
	}
	return a, Accepted
}
