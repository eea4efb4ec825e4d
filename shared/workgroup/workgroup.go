package workgroup

import (
	"github.com/pathmesh/pathmesh/shared/logging"
)

var _workgroupLogger = logging.NewLogger("WorkGroup")

type WorkGroup interface {
	Run(name string, f func() bool)
}

var defaultFailOverWorkGroup failOverWorkGroup

type failOverWorkGroup struct {
}

// Run keeps fn alive until it returns true. A panic is reported and the
// task restarted, so long lived loops (publisher retry, lease sweeper)
// cannot silently die.
func (f failOverWorkGroup) Run(name string, fn func() bool) {
	go func() {
		for {
			shutdownChannel := make(chan bool, 1)
			func() {
				defer func() {
					err := recover()
					if err != nil {
						_workgroupLogger.Errorln("restarting task after panic:", name, err)
						shutdownChannel <- false
					}
				}()
				shutdown := fn()
				shutdownChannel <- shutdown
			}()
			if shutdown := <-shutdownChannel; shutdown {
				break
			}
			_workgroupLogger.Infoln("restarting task after completion:", name)
		}
	}()
}

func WithFailOver() WorkGroup {
	return defaultFailOverWorkGroup
}
