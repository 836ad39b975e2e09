package sectree

import "github.com/vefscore/vefs/errs"

var errResultOutOfRange = errs.New(errs.ResultOutOfRange, "position exceeds the maximum addressable tree depth")

var errEvictedBeforeCommit = errs.New(errs.ResourceExhausted, "sector evicted from cache before it could be committed")
