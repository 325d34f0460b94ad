package assert

import "fmt"

func Assert(cond bool, args ...any) {
	if cond {
		return
	}

	if len(args) == 0 {
		panic("assertion failed")
	}

	msg, ok := args[0].(string)
	if !ok {
		panic(fmt.Sprintf("assertion failed: %v", args))
	}
	panic("assertion failed: " + fmt.Sprintf(msg, args[1:]...))
}

func NoError(err error) {
	if err != nil {
		panic(fmt.Sprintf("unexpected error: %+v", err))
	}
}
