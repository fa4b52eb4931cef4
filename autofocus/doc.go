/*Package autofocus finds the Z position of best focus by driving a stage and
a camera.

Two controllers are provided.  Scanner sweeps linearly between two bounds and
returns the full trace, which FindSurfacePeaks can search for the focus of two
reflective surfaces.  HillClimber refines focus locally from wherever the stage
is with a pattern search.

Both controllers run on the calling goroutine, issue strictly sequential
hardware commands, and poll their context once per probe.  Neither guards
against concurrent use of the same stage and camera; that is the caller's job.
*/
package autofocus
