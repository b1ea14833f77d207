package model

import (
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/jmorganca/uniter/ml"
)

// WeightSource resolves parameter tensors by dotted name, e.g.
// "embeddings.word_embeddings.weight".
type WeightSource interface {
	Get(ctx ml.Context, name string) ml.Tensor
}

// LoadWeights walks m and overwrites every ml.Tensor field carrying a
// `weights` struct tag with the tensor of the same dotted name from src.
// Constructors randomly initialize parameters first, so any name missing
// from the source keeps its initialization. Returns the number of tensors
// bound.
func LoadWeights(ctx ml.Context, m any, src WeightSource) (int, error) {
	v := reflect.ValueOf(m)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return 0, fmt.Errorf("model: cannot bind weights into %T", m)
	}

	return bindFields(ctx, src, v.Elem(), nil)
}

func bindFields(ctx ml.Context, src WeightSource, v reflect.Value, tags []Tag) (int, error) {
	t := v.Type()
	if t.Kind() != reflect.Struct {
		return 0, nil
	}

	var bound int
	for i := range t.NumField() {
		tt := t.Field(i).Type
		vv := v.Field(i)
		if !vv.CanSet() {
			continue
		}

		tagsCopy := tags
		if tag := t.Field(i).Tag.Get("weights"); tag != "" {
			tagsCopy = append(slices.Clone(tags), ParseTags(tag))
		}

		switch {
		case tt == reflect.TypeOf((*ml.Tensor)(nil)).Elem():
			if len(tagsCopy) == 0 {
				continue
			}

			for _, name := range tagNames(tagsCopy) {
				tensor := src.Get(ctx, name)
				if tensor == nil {
					continue
				}

				if !vv.IsNil() {
					have := vv.Interface().(ml.Tensor).Shape()
					if !slices.Equal(have, tensor.Shape()) {
						return bound, fmt.Errorf("model: tensor %q has shape %v, want %v", name, tensor.Shape(), have)
					}
				}

				slog.Debug("bound tensor", "name", name, "shape", tensor.Shape())
				vv.Set(reflect.ValueOf(tensor))
				bound++
				break
			}
		case tt.Kind() == reflect.Interface && !vv.IsNil():
			elem := vv.Elem()
			if elem.Kind() == reflect.Pointer && !elem.IsNil() {
				n, err := bindFields(ctx, src, elem.Elem(), tagsCopy)
				bound += n
				if err != nil {
					return bound, err
				}
			}
		case tt.Kind() == reflect.Pointer && !vv.IsNil():
			n, err := bindFields(ctx, src, vv.Elem(), tagsCopy)
			bound += n
			if err != nil {
				return bound, err
			}
		case tt.Kind() == reflect.Struct && tt != reflect.TypeOf(Tag{}):
			n, err := bindFields(ctx, src, vv, tagsCopy)
			bound += n
			if err != nil {
				return bound, err
			}
		case tt.Kind() == reflect.Slice || tt.Kind() == reflect.Array:
			for j := range vv.Len() {
				vvv := vv.Index(j)
				withIndex := append(slices.Clone(tagsCopy), Tag{Name: strconv.Itoa(j)})
				if vvv.Kind() == reflect.Pointer {
					if vvv.IsNil() {
						continue
					}
					vvv = vvv.Elem()
				}
				if vvv.Kind() != reflect.Struct {
					continue
				}

				n, err := bindFields(ctx, src, vvv, withIndex)
				bound += n
				if err != nil {
					return bound, err
				}
			}
		}
	}

	return bound, nil
}

// tagNames expands a tag path into the candidate dotted names, primary
// name first followed by alternates.
func tagNames(tags []Tag) (names []string) {
	if len(tags) < 1 {
		return nil
	}

	heads := append([]string{tags[0].Name}, tags[0].Alternate...)
	rest := tagNames(tags[1:])
	if rest == nil {
		return heads
	}

	for _, h := range heads {
		for _, r := range rest {
			names = append(names, h+"."+r)
		}
	}

	return names
}

type Tag struct {
	Name      string
	Alternate []string
}

func ParseTags(s string) (tag Tag) {
	parts := strings.Split(s, ",")
	if len(parts) > 0 {
		tag.Name = parts[0]

		for _, part := range parts[1:] {
			if value, ok := strings.CutPrefix(part, "alt:"); ok {
				tag.Alternate = append(tag.Alternate, value)
			}
		}
	}

	return
}
