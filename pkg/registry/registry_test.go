/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: registry_test.go
Description: Tests for the generic name to constructor registry.
*/

package registry_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/kleascm/packetstorm/pkg/registry"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct {
	name string
	size int
}

func newRegistry() *registry.Registry[int, *widget] {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return registry.New[int, *widget]("widget", logger)
}

func ctor(name string) registry.Constructor[int, *widget] {
	return func(size int) (*widget, error) {
		if size < 0 {
			return nil, errors.New("negative size")
		}
		return &widget{name: name, size: size}, nil
	}
}

func TestRegisterAndCreate(t *testing.T) {
	r := newRegistry()
	require.NoError(t, r.Register(registry.Metadata{Name: "bolt", Category: "metal"}, ctor("bolt")))
	require.NoError(t, r.Register(registry.Metadata{Name: "axle", Category: "metal"}, ctor("axle")))
	require.NoError(t, r.Register(registry.Metadata{Name: "cog", Category: "wood", AppliesTo: []string{"clock"}}, ctor("cog")))

	w, err := r.Create("cog", 4)
	require.NoError(t, err)
	assert.Equal(t, &widget{name: "cog", size: 4}, w)

	_, err = r.Create("cog", -1)
	assert.EqualError(t, err, "negative size")

	assert.True(t, r.Has("bolt"))
	assert.False(t, r.Has("nail"))
	meta, ok := r.Lookup("cog")
	require.True(t, ok)
	assert.Equal(t, []string{"clock"}, meta.AppliesTo)

	assert.Equal(t, []string{"axle", "bolt", "cog"}, r.Names())
	metal := r.List("metal")
	require.Len(t, metal, 2)
	assert.Equal(t, "axle", metal[0].Name)
	assert.Len(t, r.List(""), 3)
	assert.Empty(t, r.List("plastic"))
}

func TestCreateUnknown(t *testing.T) {
	r := newRegistry()
	r.MustRegister(registry.Metadata{Name: "bolt"}, ctor("bolt"))

	w, err := r.Create("nail", 1)
	assert.Nil(t, w)
	require.ErrorIs(t, err, registry.ErrNotFound)

	var nf *registry.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nail", nf.Name)
	assert.Equal(t, []string{"bolt"}, nf.Available)
	assert.Equal(t, "unknown widget 'nail'. Available: bolt", err.Error())
}

func TestRegisterRejects(t *testing.T) {
	r := newRegistry()
	assert.Error(t, r.Register(registry.Metadata{}, ctor("x")))
	assert.Error(t, r.Register(registry.Metadata{Name: "x"}, nil))

	require.NoError(t, r.Register(registry.Metadata{Name: "x", Description: "first"}, ctor("first")))
	err := r.Register(registry.Metadata{Name: "x", Description: "second"}, ctor("second"))
	assert.ErrorIs(t, err, registry.ErrDuplicate)
	assert.Panics(t, func() { r.MustRegister(registry.Metadata{Name: "x"}, ctor("third")) })

	r.AllowOverwrite(true)
	require.NoError(t, r.Register(registry.Metadata{Name: "x", Description: "second"}, ctor("second")))
	meta, _ := r.Lookup("x")
	assert.Equal(t, "second", meta.Description)
	w, err := r.Create("x", 0)
	require.NoError(t, err)
	assert.Equal(t, "second", w.name)
}

func TestConcurrentAccess(t *testing.T) {
	r := newRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := string(rune('a' + i))
			assert.NoError(t, r.Register(registry.Metadata{Name: name}, ctor(name)))
			_, err := r.Create(name, i)
			assert.NoError(t, err)
			r.Names()
		}(i)
	}
	wg.Wait()
	assert.Len(t, r.Names(), 8)
}
