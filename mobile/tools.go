//go:build tools

package mobile

// Pins the gomobile bind tooling used to build the iOS/Android frameworks:
//
//	gomobile bind -target=ios,android schlangen.tv/duel/mobile
import (
	_ "golang.org/x/mobile/bind"
)
