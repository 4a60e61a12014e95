// Package turbit runs a registered function across a pool of worker
// processes to use every CPU core.
//
// Workers are the same binary re-executed, so functions are referenced by
// name and must be registered at startup in both the controller and the
// workers. Register functions from init or at the top of main, then call Init
// before doing anything else:
//
//	func init() {
//		turbit.MustRegister("square", turbit.Map(func(_ context.Context, n int) (int, error) {
//			return n * n, nil
//		}))
//	}
//
//	func main() {
//		turbit.Init()
//
//		eng, err := turbit.New()
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer eng.Close()
//
//		res, err := eng.Run(ctx, "square", turbit.Options{
//			Mode: turbit.Extended,
//			Data: []any{1, 2, 3},
//		})
//		squares, err := turbit.Decode[int](res)
//	}
//
// In extended mode the data is split into contiguous chunks, one per worker,
// and the function is called once per item; results come back in input
// order. In simple mode the function is called once per worker with no item.
package turbit
