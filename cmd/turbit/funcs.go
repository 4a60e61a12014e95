package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"os"
	"strings"

	"github.com/seantiz/turbit"
)

func init() {
	turbit.MustRegister("square", turbit.Map(func(_ context.Context, n float64) (float64, error) {
		return n * n, nil
	}))
	turbit.MustRegister("sha256", turbit.Map(func(_ context.Context, s string) (string, error) {
		sum := sha256.Sum256([]byte(s))
		return hex.EncodeToString(sum[:]), nil
	}))
	turbit.MustRegister("isPrime", turbit.Map(func(_ context.Context, n int64) (bool, error) {
		return big.NewInt(n).ProbablyPrime(20), nil
	}))
	turbit.MustRegister("repeat", turbit.MapArgs(func(_ context.Context, s string, args turbit.Args) (string, error) {
		count := 2
		if args.Len() > 0 {
			if err := args.Decode(0, &count); err != nil {
				return "", err
			}
		}
		return strings.Repeat(s, max(count, 0)), nil
	}))
	turbit.MustRegister("pid", turbit.Task(func(context.Context) (int, error) {
		return os.Getpid(), nil
	}))
}
