/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: decode.go
Description: Weakly typed map decoding shared by every component that receives a raw
parameter section (anomalies, protocol builders, transports).
*/

package config

import (
	"github.com/go-viper/mapstructure/v2"
)

// Decode fills out (a pointer to a struct with mapstructure tags) from in.
// Numbers, strings and booleans convert between each other, strings decode into byte
// slices and durations parse from strings ("1s").
func Decode(in any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}
