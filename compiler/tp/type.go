package tp

import "fmt"

type (
	Type interface {
		Size() int
		String() string
	}

	Int struct {
		Bits int16
	}

	Bool struct{}

	Ptr struct{}
)

var (
	I8  = Int{Bits: 8}
	I16 = Int{Bits: 16}
	I32 = Int{Bits: 32}
	I64 = Int{Bits: 64}
)

func ByName(name string) (Type, bool) {
	switch name {
	case "i8":
		return I8, true
	case "i16":
		return I16, true
	case "i32":
		return I32, true
	case "i64":
		return I64, true
	case "bool":
		return Bool{}, true
	case "ptr":
		return Ptr{}, true
	}

	return nil, false
}

func (x Int) Size() int {
	return int(x.Bits) / 8
}

func (x Int) String() string {
	return fmt.Sprintf("i%d", x.Bits)
}

func (x Bool) Size() int {
	return 1
}

func (x Bool) String() string {
	return "bool"
}

func (x Ptr) Size() int {
	return 8
}

func (x Ptr) String() string {
	return "ptr"
}
