/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: register.go
Description: Registration of the generic anomaly library into an anomaly registry.
*/

package anomaly

import (
	"github.com/kleascm/packetstorm/pkg/registry"
)

// RegisterGeneric registers every generic anomaly into r
func RegisterGeneric(r *Registry) error {
	entries := []struct {
		meta registry.Metadata
		ctor registry.Constructor[Options, Anomaly]
	}{
		{fieldTamperMeta, NewFieldTamper},
		{truncationMeta, NewTruncation},
		{paddingMeta, NewPadding},
		{checksumMeta, NewChecksumError},
		{replayMeta, NewReplay},
		{malformedMeta, NewMalformed},
		{fragmentationMeta, NewFragmentation},
		{sequenceMeta, NewSequence},
		{floodMeta, NewFlood},
		{fuzzerMeta, NewFuzzer},
		{compositeMeta, NewComposite},
	}
	for _, e := range entries {
		if err := r.Register(e.meta, e.ctor); err != nil {
			return err
		}
	}
	return nil
}
